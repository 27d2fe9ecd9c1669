// Package soap converts action invocations to and from SOAP 1.1 envelopes.
//
// Request bodies carry the bound input arguments of an invocation, response
// bodies either its output arguments or a UPnPError fault. Arguments are
// written in declaration order; datatype conversion is delegated to the
// model's datatype registry.
package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// XML namespaces of the envelope and fault detail.
const (
	EnvelopeNS  = "http://schemas.xmlsoap.org/soap/envelope/"
	EncodingNS  = "http://schemas.xmlsoap.org/soap/encoding/"
	ControlNS   = "urn:schemas-upnp-org:control-1-0"
	faultString = "UPnPError"
)

// ErrUnsupportedData is returned for bodies that are not SOAP envelopes of the
// expected shape.
var ErrUnsupportedData = errors.New("soap: unsupported data")

// Processor reads and writes action bodies. It holds no state.
type Processor struct{}

// NewProcessor returns a SOAP processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// WriteRequest encodes the inputs of inv into req and sets the SOAPACTION
// and CONTENT-TYPE headers.
func (p *Processor) WriteRequest(req *message.Request, inv *model.ActionInvocation) error {
	body, err := encodeAction(inv.Service.Type.String(), inv.Action.Name, inv, inv.Inputs())
	if err != nil {
		return err
	}
	req.Body = body
	req.Header.SetValue(header.TypeContentType, header.XMLContentType)
	req.Header.SetValue(header.TypeSOAPAction, header.NewSOAPAction(inv.Service.Type, inv.Action.Name))
	return nil
}

// ReadRequest decodes the argument elements of req into the inputs of inv.
// An argument value that fails datatype conversion yields a *model.ActionError
// with ErrorArgumentValueInvalid; a missing argument yields ErrorInvalidArgs.
func (p *Processor) ReadRequest(req *message.Request, inv *model.ActionInvocation) error {
	el, err := decodeBody(req.Body)
	if err != nil {
		return err
	}
	if el.fault != nil {
		return fmt.Errorf("%w: fault in request body", ErrUnsupportedData)
	}
	if el.name != inv.Action.Name {
		return model.NewActionError(model.ErrorInvalidAction,
			fmt.Sprintf("body names action %q, SOAPACTION names %q", el.name, inv.Action.Name))
	}

	for _, arg := range inv.Action.InputArguments() {
		value, ok := el.args[arg.Name]
		if !ok {
			return model.NewActionError(model.ErrorInvalidArgs, "missing argument "+arg.Name)
		}
		if err := inv.SetInputString(arg.Name, value); err != nil {
			return err
		}
	}
	return nil
}

// WriteResponse encodes the outcome of inv into resp: a 200 with output
// arguments, or a 500 with a UPnPError fault when inv.Failure is set.
func (p *Processor) WriteResponse(resp *message.Response, inv *model.ActionInvocation) error {
	var (
		body []byte
		err  error
	)
	if inv.Failure != nil {
		resp.StatusCode = http.StatusInternalServerError
		body = encodeFault(inv.Failure)
	} else {
		resp.StatusCode = http.StatusOK
		body, err = encodeAction(inv.Service.Type.String(), inv.Action.Name+"Response", inv, inv.Outputs())
		if err != nil {
			return err
		}
	}
	resp.Status = http.StatusText(resp.StatusCode)
	resp.Body = body
	resp.Header.SetValue(header.TypeContentType, header.XMLContentType)
	resp.Header.SetValue(header.TypeEXT, header.EXT{})
	return nil
}

// ReadResponse decodes resp into the outputs of inv, or into inv.Failure when
// the response carries a fault. Failed responses without a UPnPError body
// are recorded as ErrorActionFailed with the HTTP status.
func (p *Processor) ReadResponse(resp *message.Response, inv *model.ActionInvocation) error {
	el, err := decodeBody(resp.Body)
	if err != nil {
		if resp.IsFailed() {
			inv.Failure = model.NewActionError(model.ErrorActionFailed,
				fmt.Sprintf("received %d %s", resp.StatusCode, resp.Status))
			return nil
		}
		return err
	}
	if el.fault != nil {
		inv.Failure = el.fault
		return nil
	}
	if resp.IsFailed() {
		inv.Failure = model.NewActionError(model.ErrorActionFailed,
			fmt.Sprintf("received %d %s", resp.StatusCode, resp.Status))
		return nil
	}
	if el.name != inv.Action.Name+"Response" {
		return fmt.Errorf("%w: response element %q for action %s", ErrUnsupportedData, el.name, inv.Action.Name)
	}

	for _, arg := range inv.Action.OutputArguments() {
		value, ok := el.args[arg.Name]
		if !ok {
			continue
		}
		if err := inv.SetOutputString(arg.Name, value); err != nil {
			return err
		}
	}
	return nil
}

func encodeAction(namespace, element string, inv *model.ActionInvocation, values []model.ArgumentValue) ([]byte, error) {
	var b bytes.Buffer
	writeEnvelopeStart(&b)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, element, escape(namespace))
	for _, v := range values {
		dt, err := inv.Datatype(v.Argument)
		if err != nil {
			return nil, err
		}
		s, err := dt.Format(v.Value)
		if err != nil {
			return nil, model.NewActionError(model.ErrorArgumentValueInvalid,
				fmt.Sprintf("argument %s: %v", v.Argument.Name, err))
		}
		fmt.Fprintf(&b, "<%s>%s</%s>", v.Argument.Name, escape(s), v.Argument.Name)
	}
	fmt.Fprintf(&b, "</u:%s>", element)
	writeEnvelopeEnd(&b)
	return b.Bytes(), nil
}

func encodeFault(ae *model.ActionError) []byte {
	var b bytes.Buffer
	writeEnvelopeStart(&b)
	b.WriteString("<s:Fault>")
	b.WriteString("<faultcode>s:Client</faultcode>")
	b.WriteString("<faultstring>" + faultString + "</faultstring>")
	b.WriteString("<detail>")
	fmt.Fprintf(&b, `<UPnPError xmlns="%s">`, ControlNS)
	fmt.Fprintf(&b, "<errorCode>%d</errorCode>", ae.Code)
	fmt.Fprintf(&b, "<errorDescription>%s</errorDescription>", escape(ae.Description))
	b.WriteString("</UPnPError>")
	b.WriteString("</detail>")
	b.WriteString("</s:Fault>")
	writeEnvelopeEnd(&b)
	return b.Bytes()
}

func writeEnvelopeStart(b *bytes.Buffer) {
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	fmt.Fprintf(b, `<s:Envelope xmlns:s="%s" s:encodingStyle="%s">`, EnvelopeNS, EncodingNS)
	b.WriteString("<s:Body>")
}

func writeEnvelopeEnd(b *bytes.Buffer) {
	b.WriteString("</s:Body></s:Envelope>")
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// bodyElement is the first child of s:Body.
type bodyElement struct {
	name  string
	args  map[string]string
	fault *model.ActionError
}

// decodeBody walks the envelope with a token decoder so that namespace
// prefixes chosen by the peer do not matter.
func decodeBody(data []byte) (*bodyElement, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnsupportedData)
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	if err := seek(dec, "Envelope"); err != nil {
		return nil, err
	}
	if err := seek(dec, "Body"); err != nil {
		return nil, err
	}

	start, err := nextStart(dec)
	if err != nil {
		return nil, err
	}
	if start.Name.Local == "Fault" {
		fault, err := decodeFault(dec, &start)
		if err != nil {
			return nil, err
		}
		return &bodyElement{name: "Fault", fault: fault}, nil
	}

	args, err := readChildren(dec)
	if err != nil {
		return nil, err
	}
	return &bodyElement{name: start.Name.Local, args: args}, nil
}

// seek advances to the start element with the given local name.
func seek(dec *xml.Decoder, local string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: looking for %s: %v", ErrUnsupportedData, local, err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			return nil
		}
	}
}

// nextStart returns the next start element at the current level.
func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("%w: %v", ErrUnsupportedData, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, fmt.Errorf("%w: empty %s", ErrUnsupportedData, t.Name.Local)
		}
	}
}

// readChildren collects the text of each direct child element until the end
// of the current element.
func readChildren(dec *xml.Decoder) (map[string]string, error) {
	out := make(map[string]string)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedData, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var text string
			if err := dec.DecodeElement(&text, &t); err != nil {
				return nil, fmt.Errorf("%w: element %s: %v", ErrUnsupportedData, t.Name.Local, err)
			}
			out[t.Name.Local] = text
		case xml.EndElement:
			return out, nil
		}
	}
}

type fault struct {
	Detail struct {
		Error *upnpError `xml:"UPnPError"`
	} `xml:"detail"`
}

type upnpError struct {
	Code        string `xml:"errorCode"`
	Description string `xml:"errorDescription"`
}

func decodeFault(dec *xml.Decoder, start *xml.StartElement) (*model.ActionError, error) {
	var f fault
	if err := dec.DecodeElement(&f, start); err != nil {
		return nil, fmt.Errorf("%w: fault: %v", ErrUnsupportedData, err)
	}
	if f.Detail.Error == nil {
		return model.NewActionError(model.ErrorActionFailed, "fault without UPnPError detail"), nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(f.Detail.Error.Code))
	if err != nil {
		return nil, fmt.Errorf("%w: UPnPError code %q", ErrUnsupportedData, f.Detail.Error.Code)
	}
	return model.NewActionError(code, strings.TrimSpace(f.Detail.Error.Description)), nil
}

// Package datagram converts SSDP datagrams to and from typed messages.
//
// Parsing tolerates folded header lines, case-insensitive names, bare LF line
// endings and empty header values. Processor holds no mutable state and is
// safe for concurrent use.
package datagram

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
)

// ErrUnsupportedData is returned for datagrams that are not UPnP messages.
var ErrUnsupportedData = errors.New("datagram: unsupported data")

// MaxDatagramSize bounds the datagrams accepted by Read.
const MaxDatagramSize = 8192

// Processor reads and writes SSDP datagrams.
type Processor struct{}

// NewProcessor returns a datagram processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Read parses a raw datagram received from source on the local address.
func (p *Processor) Read(local net.IP, source *net.UDPAddr, data []byte) (*message.Datagram, error) {
	if len(data) == 0 || len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: datagram of %d bytes", ErrUnsupportedData, len(data))
	}

	br := bufio.NewReader(bytes.NewReader(data))
	tp := textproto.NewReader(br)

	first, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: reading start line: %v", ErrUnsupportedData, err)
	}

	d := &message.Datagram{Remote: source, Local: local}
	if strings.HasPrefix(first, "HTTP/") {
		d.Response, err = parseStatusLine(first)
	} else {
		d.Request, err = parseRequestLine(first)
	}
	if err != nil {
		return nil, err
	}

	h := header.New()
	if err := readHeaders(tp, h); err != nil {
		return nil, err
	}
	body, _ := io.ReadAll(br)

	if d.Request != nil {
		d.Request.Header = h
		d.Request.Body = body
	} else {
		d.Response.Header = h
		d.Response.Body = body
	}
	return d, nil
}

// Write serialises an outgoing datagram. Header names of typed headers are
// written in their canonical form, others as given.
func (p *Processor) Write(d *message.Datagram) ([]byte, error) {
	var b bytes.Buffer
	var (
		h    *header.Headers
		body []byte
	)

	switch {
	case d.Request != nil:
		fmt.Fprintf(&b, "%s %s HTTP/1.%d\r\n", d.Request.Method, d.Request.Target(), d.Request.ProtoMinor)
		h, body = d.Request.Header, d.Request.Body
	case d.Response != nil:
		fmt.Fprintf(&b, "HTTP/1.%d %d %s\r\n", d.Response.ProtoMinor, d.Response.StatusCode, d.Response.Status)
		h, body = d.Response.Header, d.Response.Body
	default:
		return nil, fmt.Errorf("%w: datagram without message", ErrUnsupportedData)
	}

	if h != nil {
		h.Each(func(name, value string) {
			if t, ok := header.TypeOf(name); ok {
				name = t.String()
			}
			if value == "" {
				fmt.Fprintf(&b, "%s:\r\n", name)
				return
			}
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		})
	}
	b.WriteString("\r\n")
	b.Write(body)

	if b.Len() > MaxDatagramSize {
		return nil, fmt.Errorf("%w: datagram of %d bytes exceeds %d", ErrUnsupportedData, b.Len(), MaxDatagramSize)
	}
	return b.Bytes(), nil
}

func parseRequestLine(line string) (*message.Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 { //nolint:mnd // method target version
		return nil, fmt.Errorf("%w: request line %q", ErrUnsupportedData, line)
	}
	method, ok := message.ParseMethod(strings.ToUpper(parts[0]))
	if !ok {
		return nil, fmt.Errorf("%w: method %q", ErrUnsupportedData, parts[0])
	}
	minor, ok := protoMinor(parts[2])
	if !ok {
		return nil, fmt.Errorf("%w: protocol %q", ErrUnsupportedData, parts[2])
	}

	var u *url.URL
	if parts[1] == "*" {
		u = &url.URL{Path: "*"}
	} else {
		var err error
		if u, err = url.Parse(parts[1]); err != nil {
			return nil, fmt.Errorf("%w: request target %q", ErrUnsupportedData, parts[1])
		}
	}
	return &message.Request{Method: method, URL: u, ProtoMinor: minor}, nil
}

func parseStatusLine(line string) (*message.Response, error) {
	proto, rest, _ := strings.Cut(line, " ")
	minor, ok := protoMinor(proto)
	if !ok {
		return nil, fmt.Errorf("%w: status line %q", ErrUnsupportedData, line)
	}
	codeStr, status, _ := strings.Cut(strings.TrimSpace(rest), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("%w: status code %q", ErrUnsupportedData, codeStr)
	}
	return &message.Response{StatusCode: code, Status: strings.TrimSpace(status), ProtoMinor: minor}, nil
}

func protoMinor(proto string) (int, bool) {
	switch strings.ToUpper(proto) {
	case "HTTP/1.1":
		return 1, true
	case "HTTP/1.0":
		return 0, true
	}
	return 0, false
}

// readHeaders reads header lines until the blank line. Continuation lines are
// folded into the previous value with a single space by textproto.
func readHeaders(tp *textproto.Reader, h *header.Headers) error {
	for {
		line, err := tp.ReadContinuedLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: reading headers: %v", ErrUnsupportedData, err)
		}
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		h.Add(name, strings.TrimSpace(value))
	}
}

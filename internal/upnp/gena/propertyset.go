package gena

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// EventNS is the namespace of GENA property sets.
const EventNS = "urn:schemas-upnp-org:event-1-0"

// StateValue is one evented variable value carried by a NOTIFY.
type StateValue struct {
	Name string

	// Variable is nil when the receiving service does not declare Name, in
	// which case Value holds the raw string.
	Variable *model.StateVariable
	Value    any
	Raw      string
}

// WritePropertySet encodes evented values of a local service.
func WritePropertySet(changes []model.StateChange) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	fmt.Fprintf(&b, `<e:propertyset xmlns:e="%s">`, EventNS)
	for _, c := range changes {
		s, err := c.Variable.Datatype.Format(c.Value)
		if err != nil {
			return nil, fmt.Errorf("formatting %s: %w", c.Variable.Name, err)
		}
		b.WriteString("<e:property>")
		fmt.Fprintf(&b, "<%s>", c.Variable.Name)
		if err := xml.EscapeText(&b, []byte(s)); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "</%s>", c.Variable.Name)
		b.WriteString("</e:property>")
	}
	b.WriteString("</e:propertyset>")
	return b.Bytes(), nil
}

type propertySet struct {
	Properties []property `xml:"property"`
}

type property struct {
	Values []propertyValue `xml:",any"`
}

type propertyValue struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

// ReadPropertySet decodes a NOTIFY body against the variables of svc. Values
// that fail datatype conversion are kept as raw strings.
func ReadPropertySet(data []byte, svc *model.Service) ([]StateValue, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnsupportedData)
	}

	var ps propertySet
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	if err := dec.Decode(&ps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedData, err)
	}

	var out []StateValue
	for _, p := range ps.Properties {
		for _, pv := range p.Values {
			sv := StateValue{Name: pv.XMLName.Local, Raw: pv.Text, Value: pv.Text}
			if svc != nil {
				if v := svc.StateVariable(sv.Name); v != nil {
					sv.Variable = v
					if parsed, err := v.Datatype.ValueOf(strings.TrimSpace(pv.Text)); err == nil {
						sv.Value = parsed
					}
				}
			}
			out = append(out, sv)
		}
	}
	return out, nil
}

package description

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

type scpdRoot struct {
	XMLName        xml.Name               `xml:"scpd"`
	Xmlns          string                 `xml:"xmlns,attr,omitempty"`
	SpecVersion    specVersion            `xml:"specVersion"`
	Actions        []actionElement        `xml:"actionList>action"`
	StateVariables []stateVariableElement `xml:"serviceStateTable>stateVariable"`
}

type actionElement struct {
	Name      string            `xml:"name"`
	Arguments []argumentElement `xml:"argumentList>argument"`
}

type argumentElement struct {
	Name                 string    `xml:"name"`
	Direction            string    `xml:"direction"`
	RetVal               *struct{} `xml:"retval"`
	RelatedStateVariable string    `xml:"relatedStateVariable"`
}

type stateVariableElement struct {
	SendEvents    string               `xml:"sendEvents,attr,omitempty"`
	Name          string               `xml:"name"`
	DataType      string               `xml:"dataType"`
	DefaultValue  string               `xml:"defaultValue,omitempty"`
	AllowedValues []string             `xml:"allowedValueList>allowedValue"`
	AllowedRange  *allowedRangeElement `xml:"allowedValueRange"`
}

type allowedRangeElement struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
	Step    string `xml:"step,omitempty"`
}

// WriteService encodes the SCPD of a service.
func WriteService(svc *model.Service) ([]byte, error) {
	root := scpdRoot{
		Xmlns:       ServiceNS,
		SpecVersion: specVersion{Major: 1, Minor: 0},
	}
	for _, a := range svc.Actions {
		el := actionElement{Name: a.Name}
		for _, arg := range a.Arguments {
			ae := argumentElement{
				Name:                 arg.Name,
				Direction:            string(arg.Direction),
				RelatedStateVariable: arg.RelatedStateVariable,
			}
			if arg.ReturnValue {
				ae.RetVal = &struct{}{}
			}
			el.Arguments = append(el.Arguments, ae)
		}
		root.Actions = append(root.Actions, el)
	}
	for _, sv := range svc.StateVariables {
		el := stateVariableElement{
			SendEvents:    "no",
			Name:          sv.Name,
			DataType:      sv.Datatype.Name(),
			DefaultValue:  sv.DefaultValue,
			AllowedValues: sv.AllowedValues,
		}
		if sv.SendEvents {
			el.SendEvents = "yes"
		}
		if sv.AllowedRange != nil {
			el.AllowedRange = &allowedRangeElement{
				Minimum: sv.AllowedRange.Minimum,
				Maximum: sv.AllowedRange.Maximum,
				Step:    sv.AllowedRange.Step,
			}
		}
		root.StateVariables = append(root.StateVariables, el)
	}

	out, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding SCPD of %s: %w", svc.ID, err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ReadService fills the actions and state variables of svc from an SCPD.
// Variables with a datatype unknown to the registry are bound as strings.
func ReadService(data []byte, svc *model.Service) error {
	var root scpdRoot
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	if err := dec.Decode(&root); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	vars := make([]*model.StateVariable, 0, len(root.StateVariables))
	for _, el := range root.StateVariables {
		name := strings.TrimSpace(el.Name)
		if name == "" {
			continue
		}
		dt, err := model.LookupDatatype(el.DataType)
		if err != nil {
			dt = model.MustDatatype("string")
		}
		sv := &model.StateVariable{
			Name:          name,
			Datatype:      dt,
			DefaultValue:  strings.TrimSpace(el.DefaultValue),
			SendEvents:    !strings.EqualFold(strings.TrimSpace(el.SendEvents), "no"),
			AllowedValues: el.AllowedValues,
		}
		if el.AllowedRange != nil {
			sv.AllowedRange = &model.AllowedRange{
				Minimum: el.AllowedRange.Minimum,
				Maximum: el.AllowedRange.Maximum,
				Step:    el.AllowedRange.Step,
			}
		}
		vars = append(vars, sv)
	}

	actions := make([]*model.Action, 0, len(root.Actions))
	for _, el := range root.Actions {
		a := &model.Action{Name: strings.TrimSpace(el.Name)}
		for _, arg := range el.Arguments {
			dir := model.In
			if strings.EqualFold(strings.TrimSpace(arg.Direction), "out") {
				dir = model.Out
			}
			a.Arguments = append(a.Arguments, &model.ActionArgument{
				Name:                 strings.TrimSpace(arg.Name),
				Direction:            dir,
				RelatedStateVariable: strings.TrimSpace(arg.RelatedStateVariable),
				ReturnValue:          arg.RetVal != nil,
			})
		}
		actions = append(actions, a)
	}

	svc.StateVariables = vars
	svc.Actions = actions
	return nil
}

package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Direction tells whether an argument is sent by the control point or
// returned by the device.
type Direction string

// Argument directions.
const (
	In  Direction = "in"
	Out Direction = "out"
)

// ActionArgument is one formal argument of an action. Its datatype is the
// datatype of the related state variable.
type ActionArgument struct {
	Name                 string
	Direction            Direction
	RelatedStateVariable string
	ReturnValue          bool
}

// Action is a named operation offered by a service, with ordered arguments.
type Action struct {
	Name      string
	Arguments []*ActionArgument
}

// NewAction creates an action with the given arguments in declaration order.
func NewAction(name string, args ...*ActionArgument) *Action {
	return &Action{Name: name, Arguments: args}
}

// InArg returns an input argument bound to a state variable.
func InArg(name, relatedStateVariable string) *ActionArgument {
	return &ActionArgument{Name: name, Direction: In, RelatedStateVariable: relatedStateVariable}
}

// OutArg returns an output argument bound to a state variable.
func OutArg(name, relatedStateVariable string) *ActionArgument {
	return &ActionArgument{Name: name, Direction: Out, RelatedStateVariable: relatedStateVariable}
}

// InputArguments returns the input arguments in declaration order.
func (a *Action) InputArguments() []*ActionArgument {
	return a.arguments(In)
}

// OutputArguments returns the output arguments in declaration order.
func (a *Action) OutputArguments() []*ActionArgument {
	return a.arguments(Out)
}

// Argument returns the argument with the given name and direction.
func (a *Action) Argument(name string, dir Direction) *ActionArgument {
	for _, arg := range a.Arguments {
		if arg.Name == name && arg.Direction == dir {
			return arg
		}
	}
	return nil
}

func (a *Action) arguments(dir Direction) []*ActionArgument {
	var out []*ActionArgument
	for _, arg := range a.Arguments {
		if arg.Direction == dir {
			out = append(out, arg)
		}
	}
	return out
}

// Standard UPnP action error codes.
const (
	ErrorInvalidAction           = 401
	ErrorInvalidArgs             = 402
	ErrorActionFailed            = 501
	ErrorArgumentValueInvalid    = 600
	ErrorArgumentValueOutOfRange = 601
	ErrorOptionalActionNotImpl   = 602
	ErrorOutOfMemory             = 603
	ErrorHumanInterventionNeeded = 604
	ErrorStringArgumentTooLong   = 605

	// ErrorTransportFailed marks an invocation that got no UPnP response.
	ErrorTransportFailed = 0
)

var errorDescriptions = map[int]string{
	ErrorInvalidAction:           "Invalid Action",
	ErrorInvalidArgs:             "Invalid Args",
	ErrorActionFailed:            "Action Failed",
	ErrorArgumentValueInvalid:    "Argument Value Invalid",
	ErrorArgumentValueOutOfRange: "Argument Value Out of Range",
	ErrorOptionalActionNotImpl:   "Optional Action Not Implemented",
	ErrorOutOfMemory:             "Out of Memory",
	ErrorHumanInterventionNeeded: "Human Intervention Required",
	ErrorStringArgumentTooLong:   "String Argument Too Long",
}

// ActionError is the structured failure of an action invocation.
// Code is a UPnP error code; ErrorTransportFailed (0) marks failures where no
// UPnP response was received at all.
type ActionError struct {
	Code        int
	Description string
}

// NewActionError creates an ActionError. An empty description is replaced by
// the standard description of the code.
func NewActionError(code int, description string) *ActionError {
	if description == "" {
		description = errorDescriptions[code]
	}
	return &ActionError{Code: code, Description: description}
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("upnp action error %d: %s", e.Code, e.Description)
}

// ArgumentValue is a bound value for an action argument.
type ArgumentValue struct {
	Argument *ActionArgument
	Value    any
}

// ClientInfo describes the origin of an incoming invocation.
type ClientInfo struct {
	RemoteAddr net.Addr
	UserAgent  string
}

// ActionInvocation carries bound input values for one call of an action and
// receives either output values or a Failure.
type ActionInvocation struct {
	Action  *Action
	Service *Service
	Client  *ClientInfo

	input   []ArgumentValue
	output  []ArgumentValue
	Failure *ActionError
}

// NewInvocation returns an empty invocation of the named action on svc.
func NewInvocation(svc *Service, actionName string) (*ActionInvocation, error) {
	action := svc.Action(actionName)
	if action == nil {
		return nil, NewActionError(ErrorInvalidAction, fmt.Sprintf("no action %q on service %s", actionName, svc.ID))
	}
	return &ActionInvocation{Action: action, Service: svc}, nil
}

// SetInput binds an input value after validating it against the argument's
// datatype.
func (inv *ActionInvocation) SetInput(name string, value any) error {
	return inv.set(&inv.input, name, In, value)
}

// SetInputString converts s with the argument's datatype and binds it.
func (inv *ActionInvocation) SetInputString(name, s string) error {
	return inv.setString(&inv.input, name, In, s)
}

// SetOutput binds an output value after validating it.
func (inv *ActionInvocation) SetOutput(name string, value any) error {
	return inv.set(&inv.output, name, Out, value)
}

// SetOutputString converts s with the argument's datatype and binds it.
func (inv *ActionInvocation) SetOutputString(name, s string) error {
	return inv.setString(&inv.output, name, Out, s)
}

// Input returns the bound input value of the named argument.
func (inv *ActionInvocation) Input(name string) (any, bool) {
	return lookupValue(inv.input, name)
}

// Output returns the bound output value of the named argument.
func (inv *ActionInvocation) Output(name string) (any, bool) {
	return lookupValue(inv.output, name)
}

// Inputs returns bound input values in argument declaration order.
func (inv *ActionInvocation) Inputs() []ArgumentValue {
	return ordered(inv.Action.InputArguments(), inv.input)
}

// Outputs returns bound output values in argument declaration order.
func (inv *ActionInvocation) Outputs() []ArgumentValue {
	return ordered(inv.Action.OutputArguments(), inv.output)
}

// Datatype resolves the datatype of an argument of this invocation's action.
func (inv *ActionInvocation) Datatype(arg *ActionArgument) (Datatype, error) {
	return inv.Service.ArgumentDatatype(arg)
}

func (inv *ActionInvocation) set(values *[]ArgumentValue, name string, dir Direction, value any) error {
	arg := inv.Action.Argument(name, dir)
	if arg == nil {
		return NewActionError(ErrorInvalidArgs, fmt.Sprintf("no %s argument %q on action %s", dir, name, inv.Action.Name))
	}
	dt, err := inv.Datatype(arg)
	if err != nil {
		return NewActionError(ErrorInvalidArgs, err.Error())
	}
	if !dt.Valid(value) {
		return NewActionError(ErrorArgumentValueInvalid,
			fmt.Sprintf("value %v is not valid for argument %s (%s)", value, name, dt.Name()))
	}
	for i := range *values {
		if (*values)[i].Argument == arg {
			(*values)[i].Value = value
			return nil
		}
	}
	*values = append(*values, ArgumentValue{Argument: arg, Value: value})
	return nil
}

func (inv *ActionInvocation) setString(values *[]ArgumentValue, name string, dir Direction, s string) error {
	arg := inv.Action.Argument(name, dir)
	if arg == nil {
		return NewActionError(ErrorInvalidArgs, fmt.Sprintf("no %s argument %q on action %s", dir, name, inv.Action.Name))
	}
	dt, err := inv.Datatype(arg)
	if err != nil {
		return NewActionError(ErrorInvalidArgs, err.Error())
	}
	v, err := dt.ValueOf(s)
	if err != nil {
		return NewActionError(ErrorArgumentValueInvalid, fmt.Sprintf("argument %s: %v", name, err))
	}
	return inv.set(values, name, dir, v)
}

func lookupValue(values []ArgumentValue, name string) (any, bool) {
	for _, v := range values {
		if v.Argument.Name == name {
			return v.Value, true
		}
	}
	return nil, false
}

func ordered(args []*ActionArgument, values []ArgumentValue) []ArgumentValue {
	out := make([]ArgumentValue, 0, len(values))
	for _, arg := range args {
		for _, v := range values {
			if v.Argument == arg {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

// ActionExecutor runs an action of a local service. Returning an
// *ActionError reports a UPnP failure; any other error is reported as
// ErrorActionFailed.
type ActionExecutor interface {
	Execute(ctx context.Context, inv *ActionInvocation) error
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, inv *ActionInvocation) error

// Execute calls f.
func (f ActionExecutorFunc) Execute(ctx context.Context, inv *ActionInvocation) error {
	return f(ctx, inv)
}

// AsActionError converts err to the ActionError recorded as an invocation
// failure.
func AsActionError(err error) *ActionError {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae
	}
	return NewActionError(ErrorActionFailed, err.Error())
}

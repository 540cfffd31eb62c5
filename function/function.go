// Package function resolves function definitions into invocable units.
//
// A Function wraps a plain Go func. Its Capability (role and cardinality) is
// worked out once by reflection when it is registered and never changes:
//
//	func(T) R, func(T) (R, error)    plain
//	func(T), func(T) error           consumer
//	func() R, func() (R, error)      supplier
//
// Any shape may take a leading context.Context. T or R of type
// stream.Publisher make the input or output publisher-shaped.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"function-rpc/message"
	"function-rpc/stream"
	"reflect"
)

var (
	ErrFunctionNotFound   = errors.New("function: not found")
	ErrInvalidSignature   = errors.New("function: invalid signature")
	ErrInvalidComposition = errors.New("function: invalid composition")
	ErrNoRoute            = errors.New("function: no route")
	ErrArgumentConversion = errors.New("function: cannot convert argument")
	ErrPublisherArgument  = errors.New("function: publisher-shaped input requires a publisher argument")
)

// Role is what a function does with its input and output.
type Role byte

const (
	RolePlain    Role = iota // transforms input into output
	RoleConsumer             // takes input, produces nothing
	RoleSupplier             // ignores input, produces output
	RoleRouting              // picks another function from the Envelope headers
)

func (r Role) String() string {
	switch r {
	case RoleConsumer:
		return "consumer"
	case RoleSupplier:
		return "supplier"
	case RoleRouting:
		return "routing"
	default:
		return "function"
	}
}

// Cardinality distinguishes single values from publishers.
type Cardinality byte

const (
	Scalar Cardinality = iota
	Publisher
)

// Capability is the closed description the dispatcher branches on.
type Capability struct {
	Role   Role
	Input  Cardinality
	Output Cardinality
}

var (
	contextType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
	publisherType   = reflect.TypeOf(stream.Publisher(nil))
	envelopeType    = reflect.TypeOf(message.Envelope{})
	envelopePtrType = reflect.TypeOf(&message.Envelope{})
)

// IsPublisher reports whether t is the publisher type.
func IsPublisher(t reflect.Type) bool {
	return t == publisherType
}

// Function is a registered, invocable unit. It is immutable and safe for
// concurrent use as long as the wrapped func is.
type Function struct {
	name       string
	capability Capability
	inputType  reflect.Type // nil for suppliers
	outputType reflect.Type // nil for consumers
	invoke     func(ctx context.Context, input any) (any, error)
}

// New wraps fn, which must be a func of one of the accepted shapes.
func New(name string, fn any) (*Function, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %s is %T, not a func", ErrInvalidSignature, name, fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("%w: %s is variadic", ErrInvalidSignature, name)
	}

	withCtx := t.NumIn() > 0 && t.In(0) == contextType
	first := 0
	if withCtx {
		first = 1
	}
	numIn := t.NumIn() - first
	if numIn > 1 {
		return nil, fmt.Errorf("%w: %s takes %d arguments, want at most 1", ErrInvalidSignature, name, numIn)
	}

	var hasResult, hasErr bool
	switch t.NumOut() {
	case 0:
	case 1:
		hasErr = t.Out(0) == errorType
		hasResult = !hasErr
	case 2:
		if t.Out(1) != errorType || t.Out(0) == errorType {
			return nil, fmt.Errorf("%w: %s must return (R, error)", ErrInvalidSignature, name)
		}
		hasResult, hasErr = true, true
	default:
		return nil, fmt.Errorf("%w: %s returns %d values", ErrInvalidSignature, name, t.NumOut())
	}
	if numIn == 0 && !hasResult {
		return nil, fmt.Errorf("%w: %s neither takes nor returns a value", ErrInvalidSignature, name)
	}

	f := &Function{name: name}
	switch {
	case numIn == 0:
		f.capability.Role = RoleSupplier
	case !hasResult:
		f.capability.Role = RoleConsumer
	default:
		f.capability.Role = RolePlain
	}
	if numIn == 1 {
		f.inputType = t.In(first)
		if IsPublisher(f.inputType) {
			f.capability.Input = Publisher
		}
	}
	if hasResult {
		f.outputType = t.Out(0)
		if IsPublisher(f.outputType) {
			f.capability.Output = Publisher
		}
	}

	f.invoke = func(ctx context.Context, input any) (any, error) {
		args := make([]reflect.Value, 0, 2)
		if withCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if numIn == 1 {
			arg, err := convert(input, f.inputType)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			args = append(args, arg)
		}
		results := v.Call(args)
		if hasErr {
			if errv := results[len(results)-1]; !errv.IsNil() {
				return nil, errv.Interface().(error)
			}
		}
		if !hasResult {
			return nil, nil
		}
		return results[0].Interface(), nil
	}
	return f, nil
}

func (f *Function) Name() string {
	return f.name
}

func (f *Function) Capability() Capability {
	return f.capability
}

// InputType is the declared input type, nil for suppliers.
func (f *Function) InputType() reflect.Type {
	return f.inputType
}

// OutputType is the declared output type, nil for consumers.
func (f *Function) OutputType() reflect.Type {
	return f.outputType
}

// Apply invokes the function. Suppliers ignore input.
func (f *Function) Apply(ctx context.Context, input any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return f.invoke(ctx, input)
}

// convert adapts an inbound value to the declared argument type.
func convert(input any, target reflect.Type) (reflect.Value, error) {
	switch target {
	case envelopeType:
		if e, ok := message.AsEnvelope(input); ok {
			return reflect.ValueOf(e), nil
		}
		return reflect.ValueOf(message.NewEnvelope(input, nil)), nil
	case envelopePtrType:
		e, ok := message.AsEnvelope(input)
		if !ok {
			e = message.NewEnvelope(input, nil)
		}
		return reflect.ValueOf(&e), nil
	case publisherType:
		if p, ok := input.(stream.Publisher); ok {
			return reflect.ValueOf(p), nil
		}
		return reflect.Value{}, fmt.Errorf("%w, got %T", ErrPublisherArgument, input)
	}

	payload := input
	if e, ok := message.AsEnvelope(input); ok {
		payload = e.Payload()
	}
	if payload == nil {
		return reflect.Zero(target), nil
	}

	pv := reflect.ValueOf(payload)
	if pv.Type().AssignableTo(target) {
		return pv, nil
	}
	if isNumber(pv.Kind()) && isNumber(target.Kind()) {
		return pv.Convert(target), nil
	}
	if b, ok := payload.([]byte); ok && target.Kind() == reflect.String {
		return reflect.ValueOf(string(b)).Convert(target), nil
	}

	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %v", ErrArgumentConversion, err)
		}
	}
	ptr := reflect.New(target)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", ErrArgumentConversion, payload, target, err)
	}
	return ptr.Elem(), nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

package function

import (
	"context"
	"fmt"
	"function-rpc/message"
	"function-rpc/stream"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RouterName is the definition of the built-in routing function.
const RouterName = "functionRouter"

// Catalog maps definitions to functions. Definitions are either a registered
// name or a composition "a|b|c" applied left to right.
type Catalog struct {
	mu                sync.RWMutex
	functions         map[string]*Function // registered by name
	composed          map[string]*Function // cached compositions
	defaultDefinition string
	logger            *zap.Logger
}

type Option func(*Catalog)

// WithDefaultDefinition sets the definition used when a request names none.
func WithDefaultDefinition(definition string) Option {
	return func(c *Catalog) { c.defaultDefinition = strings.TrimSpace(definition) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Catalog) { c.logger = logger }
}

// NewCatalog creates a catalog holding only the routing function.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		functions: make(map[string]*Function),
		composed:  make(map[string]*Function),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.functions[RouterName] = &Function{
		name:       RouterName,
		capability: Capability{Role: RoleRouting},
		inputType:  envelopeType,
		invoke:     c.route,
	}
	return c
}

// Register wraps fn and stores it under name.
func (c *Catalog) Register(name string, fn any) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "|") {
		return fmt.Errorf("%w: bad name %q", ErrInvalidSignature, name)
	}
	f, err := New(name, fn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.functions[name]; ok {
		return fmt.Errorf("function: %q already registered", name)
	}
	c.functions[name] = f
	clear(c.composed)
	c.logger.Debug("function registered",
		zap.String("name", name),
		zap.Stringer("role", f.capability.Role),
		zap.Bool("publisherInput", f.capability.Input == Publisher),
		zap.Bool("publisherOutput", f.capability.Output == Publisher))
	return nil
}

// Names lists registered functions, router excluded, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.functions))
	for name := range c.functions {
		if name != RouterName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a definition. An empty definition falls back to the
// default definition, then to the only registered function.
func (c *Catalog) Lookup(definition string) (*Function, error) {
	definition = strings.TrimSpace(definition)
	if definition == "" {
		definition = c.defaultDefinition
	}
	if definition == "" {
		names := c.Names()
		if len(names) != 1 {
			return nil, fmt.Errorf("%w: no definition given and %d functions registered", ErrFunctionNotFound, len(names))
		}
		definition = names[0]
	}

	c.mu.RLock()
	f, ok := c.functions[definition]
	if !ok {
		f, ok = c.composed[definition]
	}
	c.mu.RUnlock()
	if ok {
		return f, nil
	}
	if !strings.Contains(definition, "|") {
		return nil, fmt.Errorf("%w: %q", ErrFunctionNotFound, definition)
	}

	f, err := c.compose(definition)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.composed[definition] = f
	c.mu.Unlock()
	return f, nil
}

// compose chains scalar functions. A supplier may only come first and a
// consumer only last.
func (c *Catalog) compose(definition string) (*Function, error) {
	parts := strings.Split(definition, "|")
	stages := make([]*Function, 0, len(parts))

	c.mu.RLock()
	for _, part := range parts {
		f, ok := c.functions[strings.TrimSpace(part)]
		if !ok {
			c.mu.RUnlock()
			return nil, fmt.Errorf("%w: %q in %q", ErrFunctionNotFound, strings.TrimSpace(part), definition)
		}
		stages = append(stages, f)
	}
	c.mu.RUnlock()

	last := len(stages) - 1
	for i, f := range stages {
		cp := f.capability
		switch {
		case cp.Input == Publisher || cp.Output == Publisher:
			return nil, fmt.Errorf("%w: %s is publisher-shaped", ErrInvalidComposition, f.name)
		case cp.Role == RoleRouting:
			return nil, fmt.Errorf("%w: %s cannot be composed", ErrInvalidComposition, f.name)
		case cp.Role == RoleSupplier && i != 0:
			return nil, fmt.Errorf("%w: supplier %s must come first", ErrInvalidComposition, f.name)
		case cp.Role == RoleConsumer && i != last:
			return nil, fmt.Errorf("%w: consumer %s must come last", ErrInvalidComposition, f.name)
		}
	}

	head, tail := stages[0], stages[last]
	composed := &Function{
		name:       definition,
		inputType:  head.inputType,
		outputType: tail.outputType,
	}
	switch {
	case head.capability.Role == RoleSupplier && tail.capability.Role == RoleConsumer:
		return nil, fmt.Errorf("%w: %q neither takes nor returns a value", ErrInvalidComposition, definition)
	case head.capability.Role == RoleSupplier:
		composed.capability.Role = RoleSupplier
	case tail.capability.Role == RoleConsumer:
		composed.capability.Role = RoleConsumer
	}

	composed.invoke = func(ctx context.Context, input any) (any, error) {
		origin, carry := message.AsEnvelope(input)
		value := input
		for i, f := range stages {
			out, err := f.Apply(ctx, value)
			if err != nil {
				return nil, err
			}
			// Keep headers flowing between stages.
			if _, isEnvelope := message.AsEnvelope(out); carry && !isEnvelope && i != last {
				out = origin.WithPayload(out)
			}
			value = out
		}
		return value, nil
	}
	return composed, nil
}

// route applies the function named by the Envelope's definition header, or by
// its route header when that names something other than the router.
func (c *Catalog) route(ctx context.Context, input any) (any, error) {
	e, ok := message.AsEnvelope(input)
	if !ok {
		return nil, fmt.Errorf("%w: routing needs an envelope, got %T", ErrNoRoute, input)
	}

	var target *Function
	for _, key := range []string{message.HeaderDefinition, message.HeaderRoute} {
		raw, _ := e.Header(key)
		definition, _ := raw.(string)
		if definition = strings.TrimSpace(definition); definition == "" {
			continue
		}
		f, err := c.Lookup(definition)
		if err != nil {
			return nil, err
		}
		if f.capability.Role == RoleRouting {
			continue
		}
		target = f
		c.logger.Debug("routing", zap.String("definition", definition), zap.String("header", key))
		break
	}
	if target == nil {
		return nil, fmt.Errorf("%w: neither %q nor %q names a function", ErrNoRoute, message.HeaderDefinition, message.HeaderRoute)
	}

	switch {
	case target.capability.Role == RoleSupplier:
		return target.Apply(ctx, nil)
	case target.capability.Input == Publisher:
		return target.Apply(ctx, stream.Just(e))
	}
	return target.Apply(ctx, e)
}

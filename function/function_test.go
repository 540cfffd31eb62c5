package function

import (
	"context"
	"errors"
	"function-rpc/message"
	"function-rpc/stream"
	"reflect"
	"testing"
)

type order struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestCapabilityIntrospection(t *testing.T) {
	cases := []struct {
		name string
		fn   any
		want Capability
	}{
		{"plain", func(s string) string { return s }, Capability{Role: RolePlain}},
		{"plainCtxErr", func(context.Context, int) (int, error) { return 0, nil }, Capability{Role: RolePlain}},
		{"consumer", func(string) {}, Capability{Role: RoleConsumer}},
		{"consumerErr", func(context.Context, order) error { return nil }, Capability{Role: RoleConsumer}},
		{"supplier", func() string { return "" }, Capability{Role: RoleSupplier}},
		{"supplierStream", func() stream.Publisher { return nil }, Capability{Role: RoleSupplier, Output: Publisher}},
		{"flux", func(p stream.Publisher) stream.Publisher { return p }, Capability{Role: RolePlain, Input: Publisher, Output: Publisher}},
		{"fluxConsumer", func(context.Context, stream.Publisher) error { return nil }, Capability{Role: RoleConsumer, Input: Publisher}},
		{"fanOut", func(int) stream.Publisher { return nil }, Capability{Role: RolePlain, Output: Publisher}},
	}
	for _, tc := range cases {
		f, err := New(tc.name, tc.fn)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", tc.name, err)
		}
		if f.Capability() != tc.want {
			t.Errorf("%s: capability %+v, want %+v", tc.name, f.Capability(), tc.want)
		}
	}
}

func TestInvalidSignatures(t *testing.T) {
	for name, fn := range map[string]any{
		"notFunc":   42,
		"twoArgs":   func(a, b int) int { return a + b },
		"nothing":   func() {},
		"errFirst":  func(int) (error, int) { return nil, 0 },
		"threeOuts": func(int) (int, int, error) { return 0, 0, nil },
		"variadic":  func(xs ...int) int { return len(xs) },
	} {
		if _, err := New(name, fn); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("%s: expect ErrInvalidSignature, got %v", name, err)
		}
	}
}

func TestApplyConvertsPayload(t *testing.T) {
	double, _ := New("double", func(n int) int { return n * 2 })

	out, err := double.Apply(context.Background(), 5)
	if err != nil || out != 10 {
		t.Fatalf("expect 10, got %v (%v)", out, err)
	}

	// JSON numbers arrive as float64.
	out, err = double.Apply(context.Background(), message.NewEnvelope(float64(21), nil))
	if err != nil || out != 42 {
		t.Fatalf("expect 42, got %v (%v)", out, err)
	}

	count, _ := New("count", func(o order) int { return o.Count })
	out, err = count.Apply(context.Background(), map[string]any{"id": "a", "count": 3})
	if err != nil || out != 3 {
		t.Fatalf("expect 3 from map payload, got %v (%v)", out, err)
	}
	out, err = count.Apply(context.Background(), `{"id":"b","count":4}`)
	if err != nil || out != 4 {
		t.Fatalf("expect 4 from json text, got %v (%v)", out, err)
	}

	if _, err := double.Apply(context.Background(), "not a number"); !errors.Is(err, ErrArgumentConversion) {
		t.Fatalf("expect ErrArgumentConversion, got %v", err)
	}
}

func TestApplyEnvelopeInput(t *testing.T) {
	var seen message.Envelope
	f, _ := New("inspect", func(e message.Envelope) any {
		seen = e
		return e.Payload()
	})

	in := message.NewEnvelope("x", map[string]any{"k": "v"})
	if _, err := f.Apply(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if h, _ := seen.Header("k"); h != "v" {
		t.Fatalf("expect envelope passed through, got headers %v", seen.Headers())
	}

	if _, err := f.Apply(context.Background(), "raw"); err != nil {
		t.Fatal(err)
	}
	if seen.Payload() != "raw" {
		t.Fatalf("raw input should be wrapped, got %v", seen.Payload())
	}
}

func TestApplyReturnsError(t *testing.T) {
	boom := errors.New("boom")
	f, _ := New("fail", func(context.Context, string) (string, error) { return "", boom })
	if _, err := f.Apply(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expect boom, got %v", err)
	}
}

func TestInputType(t *testing.T) {
	f, _ := New("flux", func(p stream.Publisher) stream.Publisher { return p })
	if !IsPublisher(f.InputType()) {
		t.Fatalf("expect publisher input, got %v", f.InputType())
	}
	s, _ := New("supplier", func() int { return 1 })
	if s.InputType() != nil {
		t.Fatalf("supplier has no input type, got %v", s.InputType())
	}
	if s.OutputType() != reflect.TypeOf(0) {
		t.Fatalf("expect int output, got %v", s.OutputType())
	}
}

package dispatcher

import (
	"context"
	"errors"
	"function-rpc/codec"
	"function-rpc/function"
	"function-rpc/message"
	"function-rpc/stream"
	"reflect"
	"sync"
	"testing"
)

// recorder is a Target with a fixed capability that records its inputs.
type recorder struct {
	mu         sync.Mutex
	capability function.Capability
	inputs     []any
	apply      func(ctx context.Context, v any) (any, error)
}

func (r *recorder) Capability() function.Capability { return r.capability }

func (r *recorder) Apply(ctx context.Context, v any) (any, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, v)
	r.mu.Unlock()
	if r.apply != nil {
		return r.apply(ctx, v)
	}
	return v, nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

func mustFunction(t *testing.T, name string, fn any) *function.Function {
	t.Helper()
	f, err := function.New(name, fn)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func unit(mode message.InteractionMode, headers map[string]any, payloads ...any) *message.Inbound {
	return &message.Inbound{
		Mode:     mode,
		Route:    "test",
		Headers:  headers,
		Payloads: stream.Just(payloads...),
	}
}

func TestRequestResponseDouble(t *testing.T) {
	d := New(nil)
	double := mustFunction(t, "double", func(n int) int { return n * 2 })

	got, err := d.Dispatch(unit(message.RequestResponse, map[string]any{}, 5), double).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []any{10}) {
		t.Fatalf("expect [10], got %v", got)
	}
}

func TestReplyModesPreserveOrder(t *testing.T) {
	d := New(nil)
	inc := mustFunction(t, "inc", func(n int) int { return n + 1 })
	inputs := []any{1, 2, 3, 4, 5, 6, 7, 8}

	for _, mode := range []message.InteractionMode{message.RequestResponse, message.RequestStream, message.RequestChannel} {
		got, err := d.Dispatch(unit(mode, nil, inputs...), inc).Collect(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if len(got) != len(inputs) {
			t.Fatalf("%s: expect %d replies, got %d", mode, len(inputs), len(got))
		}
		for i, v := range got {
			if v != inputs[i].(int)+1 {
				t.Fatalf("%s: reply %d out of order: %v", mode, i, got)
			}
		}
	}
}

func TestUnresolvedFunction(t *testing.T) {
	d := New(nil)
	var missing *function.Function
	for _, target := range []Target{nil, missing} {
		_, err := d.Dispatch(unit(message.RequestResponse, nil, 1), target).Collect(context.Background())
		if !errors.Is(err, ErrUnresolvedFunction) {
			t.Fatalf("expect ErrUnresolvedFunction, got %v", err)
		}
	}
	// Checked before the mode.
	_, err := d.Dispatch(unit(message.InteractionMode(99), nil, 1), nil).Collect(context.Background())
	if !errors.Is(err, ErrUnresolvedFunction) {
		t.Fatalf("expect ErrUnresolvedFunction for unknown mode too, got %v", err)
	}
}

func TestUnsupportedInteractionMode(t *testing.T) {
	d := New(nil)
	r := &recorder{}
	_, err := d.Dispatch(unit(message.InteractionMode(0), nil, 1), r).Collect(context.Background())
	if !errors.Is(err, ErrUnsupportedInteractionMode) {
		t.Fatalf("expect ErrUnsupportedInteractionMode, got %v", err)
	}
	if r.calls() != 0 {
		t.Fatalf("function must not be invoked, got %d calls", r.calls())
	}
}

func TestFireAndForgetRejectsPlainFunction(t *testing.T) {
	d := New(nil)
	for _, role := range []function.Role{function.RolePlain, function.RoleSupplier} {
		r := &recorder{capability: function.Capability{Role: role}}
		got, err := d.Dispatch(unit(message.FireAndForget, nil, 1, 2), r).Collect(context.Background())
		if !errors.Is(err, ErrInvalidRoleForMode) {
			t.Fatalf("%s: expect ErrInvalidRoleForMode, got %v", role, err)
		}
		if len(got) != 0 || r.calls() != 0 {
			t.Fatalf("%s: function must not run, got %v and %d calls", role, got, r.calls())
		}
	}
}

func TestFireAndForgetConsumer(t *testing.T) {
	d := New(nil)
	var mu sync.Mutex
	var seen []int
	consumer := mustFunction(t, "discard", func(n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})

	got, err := d.Dispatch(unit(message.FireAndForget, nil, 1, 2, 3), consumer).Collect(context.Background())
	if err != nil {
		t.Fatalf("expect clean completion, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fire-and-forget must not emit, got %v", got)
	}
	if !reflect.DeepEqual(seen, []int{1, 2, 3}) {
		t.Fatalf("expect consumer to see [1 2 3], got %v", seen)
	}
}

func TestFireAndForgetPublisherConsumer(t *testing.T) {
	d := New(nil)
	var batch []any
	consumer := mustFunction(t, "batch", func(ctx context.Context, in stream.Publisher) error {
		var err error
		batch, err = in.Collect(ctx)
		return err
	})

	if _, err := d.Dispatch(unit(message.FireAndForget, map[string]any{"k": "v"}, "a", "b"), consumer).Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("expect the whole sequence in one call, got %v", batch)
	}
	e, ok := message.AsEnvelope(batch[1])
	if !ok || e.Payload() != "b" {
		t.Fatalf("expect envelope with payload b, got %v", batch[1])
	}
}

func TestFireAndForgetRouting(t *testing.T) {
	d := New(nil)
	r := &recorder{capability: function.Capability{Role: function.RoleRouting}}
	headers := map[string]any{message.HeaderDefinition: "sink", "trace": "t-1"}

	if _, err := d.Dispatch(unit(message.FireAndForget, headers, "p1", "p2", "p3"), r).Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.calls() != 3 {
		t.Fatalf("expect 3 invocations, got %d", r.calls())
	}
	for i, in := range r.inputs {
		e, ok := message.AsEnvelope(in)
		if !ok {
			t.Fatalf("routing function must get an envelope, got %T", in)
		}
		if want := []string{"p1", "p2", "p3"}[i]; e.Payload() != want {
			t.Fatalf("invocation %d: expect %s, got %v", i, want, e.Payload())
		}
		if !reflect.DeepEqual(e.Headers(), headers) {
			t.Fatalf("invocation %d: headers %v, want %v", i, e.Headers(), headers)
		}
	}
}

func TestFireAndForgetSharesHeadersWithEnvelopes(t *testing.T) {
	d := New(nil)
	r := &recorder{capability: function.Capability{Role: function.RoleRouting}}
	headers := map[string]any{message.HeaderDefinition: "sink", message.HeaderRoute: "functionRouter"}
	own := message.NewEnvelope(2, map[string]any{"x": "y"})
	structured := map[string]any{message.PayloadKey: 4, message.HeadersKey: map[string]any{message.HeaderDefinition: "other"}}

	if _, err := d.Dispatch(unit(message.FireAndForget, headers, 1, own, 3, structured), r).Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.calls() != 4 {
		t.Fatalf("expect 4 invocations, got %d", r.calls())
	}
	for i, in := range r.inputs {
		e, _ := message.AsEnvelope(in)
		if v, _ := e.Header(message.HeaderRoute); v != "functionRouter" {
			t.Fatalf("invocation %d lost the unit headers: %v", i, e.Headers())
		}
	}

	e, _ := message.AsEnvelope(r.inputs[1])
	if v, _ := e.Header("x"); v != "y" || e.Payload() != 2 {
		t.Fatalf("envelope headers should be kept, got %v / %v", e.Payload(), e.Headers())
	}
	if v, _ := e.Header(message.HeaderDefinition); v != "sink" {
		t.Fatalf("expect definition sink, got %v", v)
	}
	e, _ = message.AsEnvelope(r.inputs[3])
	if v, _ := e.Header(message.HeaderDefinition); v != "other" || e.Payload() != 4 {
		t.Fatalf("payload headers should win over unit headers, got %v / %v", e.Payload(), e.Headers())
	}
}

func TestRoutingEnvelopeFireAndForget(t *testing.T) {
	catalog := function.NewCatalog()
	var got []any
	catalog.Register("collect", func(v any) { got = append(got, v) })
	router, _ := catalog.Lookup(function.RouterName)

	d := New(nil)
	headers := map[string]any{message.HeaderDefinition: "collect"}
	payloads := []any{"a", message.NewEnvelope("b", map[string]any{"trace": "t"}), "c"}
	if _, err := d.Dispatch(unit(message.FireAndForget, headers, payloads...), router).Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []any{"a", "b", "c"}) {
		t.Fatalf("expect every payload routed, got %v", got)
	}
}

func TestRoutingThroughCatalog(t *testing.T) {
	catalog := function.NewCatalog()
	var got []string
	catalog.Register("collect", func(s string) { got = append(got, s) })
	router, _ := catalog.Lookup(function.RouterName)

	d := New(nil)
	headers := map[string]any{message.HeaderDefinition: "collect"}
	if _, err := d.Dispatch(unit(message.FireAndForget, headers, "x", "y"), router).Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("expect routed payloads [x y], got %v", got)
	}
}

func TestSupplierIgnoresInput(t *testing.T) {
	d := New(nil)
	r := &recorder{
		capability: function.Capability{Role: function.RoleSupplier},
		apply:      func(context.Context, any) (any, error) { return "tick", nil },
	}
	got, err := d.Dispatch(unit(message.RequestResponse, nil, "ignored"), r).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []any{"tick"}) || r.inputs[0] != nil {
		t.Fatalf("expect supplier called with nil, got %v / %v", got, r.inputs)
	}
}

func TestNilResultIsOneReply(t *testing.T) {
	d := New(nil)
	maybe := mustFunction(t, "maybe", func(n int) any {
		if n%2 == 0 {
			return nil
		}
		return n
	})

	got, err := d.Dispatch(unit(message.RequestStream, nil, 1, 2, 3), maybe).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []any{1, nil, 3}) {
		t.Fatalf("expect one reply per input, got %v", got)
	}

	consumer := mustFunction(t, "discard", func(n int) {})
	got, err = d.Dispatch(unit(message.RequestResponse, nil, 1), consumer).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("a consumer has no reply, got %v", got)
	}
}

func TestScalarInputPublisherOutputFansOut(t *testing.T) {
	d := New(nil)
	count := mustFunction(t, "count", func(n int) stream.Publisher {
		values := make([]any, n)
		for i := range values {
			values[i] = i
		}
		return stream.Just(values...)
	})

	got, err := d.Dispatch(unit(message.RequestStream, nil, 3, 2), count).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []any{0, 1, 2, 0, 1}) {
		t.Fatalf("expect spliced replies in input order, got %v", got)
	}
}

func TestPublisherInputTransformsWholeSequence(t *testing.T) {
	d := New(nil)
	calls := 0
	upper := mustFunction(t, "upper", func(in stream.Publisher) stream.Publisher {
		calls++
		return in.Map(func(_ context.Context, v any) (any, error) {
			e, _ := message.AsEnvelope(v)
			return e.WithPayload(e.Payload().(string) + "!"), nil
		})
	})

	got, err := d.Dispatch(unit(message.RequestChannel, map[string]any{"h": 1}, "a", "b"), upper).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || len(got) != 2 {
		t.Fatalf("expect one call and two replies, got %d calls and %v", calls, got)
	}
	e, _ := message.AsEnvelope(got[1])
	if e.Payload() != "b!" {
		t.Fatalf("expect b!, got %v", e.Payload())
	}
}

func TestHeadersReachFunction(t *testing.T) {
	d := New(nil)
	var seen message.Envelope
	inspect := mustFunction(t, "inspect", func(e message.Envelope) string {
		seen = e
		return "ok"
	})

	if _, err := d.Dispatch(unit(message.RequestResponse, map[string]any{"trace": "abc"}, "x"), inspect).Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h, _ := seen.Header("trace"); h != "abc" {
		t.Fatalf("expect shared header, got %v", seen.Headers())
	}

	// A payload that already is an envelope keeps its own headers.
	own := message.NewEnvelope("y", map[string]any{"trace": "own"})
	if _, err := d.Dispatch(unit(message.RequestResponse, map[string]any{"trace": "abc"}, own), inspect).Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h, _ := seen.Header("trace"); h != "own" {
		t.Fatalf("expect envelope headers kept, got %v", seen.Headers())
	}
}

func TestMalformedEnvelopeHaltsReplies(t *testing.T) {
	d := New(nil)
	echo := mustFunction(t, "echo", func(v any) any { return v })
	bad := map[string]any{message.PayloadKey: 1, message.HeadersKey: "oops"}

	got, err := d.Dispatch(unit(message.RequestStream, nil, "first", bad, "third"), echo).Collect(context.Background())
	if !errors.Is(err, codec.ErrMalformedEnvelope) {
		t.Fatalf("expect ErrMalformedEnvelope, got %v", err)
	}
	if !reflect.DeepEqual(got, []any{"first"}) {
		t.Fatalf("expect the reply emitted before the failure to stay, got %v", got)
	}
}

func TestStructuredMapWithoutHeadersIsBarePayload(t *testing.T) {
	d := New(nil)
	echo := mustFunction(t, "echo", func(v any) any { return v })
	bare := map[string]any{message.PayloadKey: 1}

	got, err := d.Dispatch(unit(message.RequestResponse, nil, bare), echo).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []any{bare}) {
		t.Fatalf("expect map passed through as payload, got %v", got)
	}
}

func TestFunctionErrorIsTerminal(t *testing.T) {
	d := New(nil)
	boom := errors.New("boom")
	r := &recorder{apply: func(_ context.Context, v any) (any, error) {
		e, _ := message.AsEnvelope(v)
		if e.Payload() == 2 {
			return nil, boom
		}
		return e.Payload(), nil
	}}

	got, err := d.Dispatch(unit(message.RequestStream, nil, 1, 2, 3), r).Collect(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expect boom, got %v", err)
	}
	if !reflect.DeepEqual(got, []any{1}) || r.calls() != 2 {
		t.Fatalf("expect [1] and 2 calls, got %v and %d", got, r.calls())
	}
}

func TestCancelStopsInvocations(t *testing.T) {
	d := New(nil)
	r := &recorder{}
	infinite := stream.Publisher(func(ctx context.Context, emit stream.Emitter) error {
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(i); err != nil {
				return err
			}
		}
	})
	u := &message.Inbound{Mode: message.RequestChannel, Payloads: infinite}

	got, err := d.Dispatch(u, r).Take(3).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || r.calls() != 3 {
		t.Fatalf("expect 3 replies and 3 calls, got %d and %d", len(got), r.calls())
	}

	ctx, cancel := context.WithCancel(context.Background())
	r2 := &recorder{apply: func(_ context.Context, v any) (any, error) {
		e, _ := message.AsEnvelope(v)
		if e.Payload() == 1 {
			cancel()
		}
		return v, nil
	}}
	u2 := &message.Inbound{Mode: message.RequestChannel, Payloads: infinite}
	if _, err := d.Dispatch(u2, r2).Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if r2.calls() != 2 {
		t.Fatalf("expect no invocation after cancel, got %d calls", r2.calls())
	}
}

package function

import (
	"context"
	"errors"
	"function-rpc/message"
	"strings"
	"testing"
)

func newTestCatalog(t *testing.T, opts ...Option) *Catalog {
	t.Helper()
	c := NewCatalog(opts...)
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(c.Register("uppercase", strings.ToUpper))
	must(c.Register("reverse", func(s string) string {
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r)
	}))
	must(c.Register("hello", func() string { return "hello" }))
	must(c.Register("sink", func(string) {}))
	return c
}

func TestLookupByName(t *testing.T) {
	c := newTestCatalog(t)
	f, err := c.Lookup("uppercase")
	if err != nil {
		t.Fatal(err)
	}
	out, _ := f.Apply(context.Background(), "abc")
	if out != "ABC" {
		t.Fatalf("expect ABC, got %v", out)
	}

	if _, err := c.Lookup("missing"); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expect ErrFunctionNotFound, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	c := newTestCatalog(t)
	if err := c.Register("uppercase", strings.ToLower); err == nil {
		t.Fatal("expect duplicate registration to fail")
	}
	if err := c.Register("a|b", strings.ToLower); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expect ErrInvalidSignature for composed name, got %v", err)
	}
}

func TestLookupDefault(t *testing.T) {
	c := newTestCatalog(t, WithDefaultDefinition("reverse"))
	f, err := c.Lookup("")
	if err != nil {
		t.Fatal(err)
	}
	if f.Name() != "reverse" {
		t.Fatalf("expect default reverse, got %s", f.Name())
	}

	single := NewCatalog()
	single.Register("only", strings.TrimSpace)
	f, err = single.Lookup("")
	if err != nil || f.Name() != "only" {
		t.Fatalf("expect sole function, got %v (%v)", f, err)
	}

	if _, err := newTestCatalog(t).Lookup(""); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expect ErrFunctionNotFound with several functions and no default, got %v", err)
	}
}

func TestComposition(t *testing.T) {
	c := newTestCatalog(t)

	f, err := c.Lookup("uppercase|reverse")
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.Apply(context.Background(), "abc")
	if err != nil || out != "CBA" {
		t.Fatalf("expect CBA, got %v (%v)", out, err)
	}

	s, err := c.Lookup("hello|uppercase")
	if err != nil {
		t.Fatal(err)
	}
	if s.Capability().Role != RoleSupplier {
		t.Fatalf("expect supplier composition, got %v", s.Capability().Role)
	}
	out, _ = s.Apply(context.Background(), nil)
	if out != "HELLO" {
		t.Fatalf("expect HELLO, got %v", out)
	}

	k, err := c.Lookup("uppercase|sink")
	if err != nil {
		t.Fatal(err)
	}
	if k.Capability().Role != RoleConsumer {
		t.Fatalf("expect consumer composition, got %v", k.Capability().Role)
	}
}

func TestInvalidComposition(t *testing.T) {
	c := newTestCatalog(t)
	for _, def := range []string{"uppercase|hello", "sink|uppercase", "hello|sink", "functionRouter|reverse"} {
		if _, err := c.Lookup(def); !errors.Is(err, ErrInvalidComposition) {
			t.Errorf("%s: expect ErrInvalidComposition, got %v", def, err)
		}
	}
	if _, err := c.Lookup("uppercase|nope"); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expect ErrFunctionNotFound, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	c := newTestCatalog(t)
	router, err := c.Lookup(RouterName)
	if err != nil {
		t.Fatal(err)
	}
	if router.Capability().Role != RoleRouting {
		t.Fatalf("expect routing role, got %v", router.Capability().Role)
	}

	in := message.NewEnvelope("abc", map[string]any{message.HeaderDefinition: "uppercase|reverse"})
	out, err := router.Apply(context.Background(), in)
	if err != nil || out != "CBA" {
		t.Fatalf("expect CBA, got %v (%v)", out, err)
	}

	out, err = router.Apply(context.Background(), message.NewEnvelope(nil, map[string]any{message.HeaderDefinition: "hello"}))
	if err != nil || out != "hello" {
		t.Fatalf("expect supplier output, got %v (%v)", out, err)
	}

	if _, err := router.Apply(context.Background(), message.NewEnvelope("x", nil)); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expect ErrNoRoute without header, got %v", err)
	}
	selfRoute := message.NewEnvelope("x", map[string]any{message.HeaderDefinition: RouterName})
	if _, err := router.Apply(context.Background(), selfRoute); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expect ErrNoRoute for self route, got %v", err)
	}
}

func TestRouterFallsBackToRoute(t *testing.T) {
	c := newTestCatalog(t)
	router, _ := c.Lookup(RouterName)
	ctx := context.Background()

	out, err := router.Apply(ctx, message.NewEnvelope("abc", map[string]any{message.HeaderRoute: "reverse"}))
	if err != nil || out != "cba" {
		t.Fatalf("expect route header to pick reverse, got %v (%v)", out, err)
	}

	both := message.NewEnvelope("abc", map[string]any{
		message.HeaderDefinition: "uppercase",
		message.HeaderRoute:      "reverse",
	})
	if out, err = router.Apply(ctx, both); err != nil || out != "ABC" {
		t.Fatalf("expect definition header first, got %v (%v)", out, err)
	}

	selfRouted := message.NewEnvelope("abc", map[string]any{
		message.HeaderDefinition: RouterName,
		message.HeaderRoute:      "uppercase",
	})
	if out, err = router.Apply(ctx, selfRouted); err != nil || out != "ABC" {
		t.Fatalf("expect router definition skipped, got %v (%v)", out, err)
	}

	viaRouter := message.NewEnvelope("abc", map[string]any{message.HeaderRoute: RouterName})
	if _, err := router.Apply(ctx, viaRouter); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expect ErrNoRoute when route names the router, got %v", err)
	}
}

func TestNames(t *testing.T) {
	names := newTestCatalog(t).Names()
	want := []string{"hello", "reverse", "sink", "uppercase"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expect %v, got %v", want, names)
	}
}

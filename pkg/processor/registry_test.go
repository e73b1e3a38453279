package processor

import (
	"context"
	"testing"
)

type stubProcessor struct {
	name string
}

func (s stubProcessor) Name() string { return s.name }

func (s stubProcessor) Run(_ context.Context, inputs map[string]any, _ Context, _ map[string]any) (*Result, error) {
	return &Result{Attributes: inputs}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stubProcessor{name: "alpha"})

	p, ok := reg.Get("alpha")
	if !ok {
		t.Fatal("expected alpha to be registered")
	}
	if p.Name() != "alpha" {
		t.Fatalf("expected alpha, got %s", p.Name())
	}

	if _, ok := reg.Get("missing"); ok {
		t.Fatal("expected missing processor to be absent")
	}
}

func TestRegistryReplacesSameName(t *testing.T) {
	reg := NewRegistry()
	first := stubProcessor{name: "dup"}
	second := stubProcessor{name: "dup"}
	reg.Register(first)
	reg.Register(second)

	if got := len(reg.Names()); got != 1 {
		t.Fatalf("expected 1 registered processor, got %d", got)
	}
}

func TestRegistryIgnoresNilAndUnnamed(t *testing.T) {
	reg := NewRegistry()
	reg.Register(nil)
	reg.Register(stubProcessor{name: ""})

	if got := len(reg.Names()); got != 0 {
		t.Fatalf("expected empty registry, got %d entries", got)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"webpage", "datafile", "passthrough"} {
		reg.Register(stubProcessor{name: name})
	}

	names := reg.Names()
	want := []string{"datafile", "passthrough", "webpage"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

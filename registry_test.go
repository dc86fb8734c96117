package stepflow

import (
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry[*testContext]()
	reg.Register("Init", func() Step[*testContext] { return mark("Init") }).
		Register("Create", func() Step[*testContext] { return mark("Create") })

	if got := reg.Types(); !equalTrail(got, []string{"Create", "Init"}) {
		t.Errorf("expected sorted types, got %v", got)
	}

	a, err := reg.ResolveStep("Init")
	if err != nil || a == nil {
		t.Fatalf("ResolveStep: %v", err)
	}

	if _, err := reg.ResolveStep("Missing"); !errors.Is(err, ErrUnknownStepType) {
		t.Errorf("expected ErrUnknownStepType, got %v", err)
	}
	if _, err := reg.ResolveCompensator("Init"); !errors.Is(err, ErrUnknownStepType) {
		t.Errorf("compensators are registered separately, got %v", err)
	}
}

func TestRegistry_FreshInstances(t *testing.T) {
	created := 0
	reg := NewRegistry[*testContext]().Register("Count", func() Step[*testContext] {
		created++
		return mark("Count")
	})
	for range 3 {
		if _, err := reg.ResolveStep("Count"); err != nil {
			t.Fatal(err)
		}
	}
	if created != 3 {
		t.Errorf("expected a fresh step per resolve, got %d", created)
	}
}

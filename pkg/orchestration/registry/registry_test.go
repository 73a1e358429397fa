package registry

import (
	"context"
	"testing"

	"github.com/taskflow-io/engine/pkg/orchestration/executor"
)

func noopHandler() executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		return executor.HandlerResult{Success: true}, nil
	})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := New()
	r.Register("billing.charge_payment@1", noopHandler())

	h, ok := r.Get("billing.charge_payment@1")
	if !ok || h == nil {
		t.Fatal("expected handler to be found")
	}
	if _, ok := r.Get("billing.unknown@1"); ok {
		t.Fatal("expected unknown class to be absent")
	}
}

func TestRegistryDuplicateRegisterPanics(t *testing.T) {
	r := New()
	r.Register("a", noopHandler())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register("a", noopHandler())
}

func TestRegistryReplaceOrRegisterOverwrites(t *testing.T) {
	r := New()
	r.Register("a", noopHandler())
	r.ReplaceOrRegister("a", noopHandler())
	if len(r.Classes()) != 1 {
		t.Fatalf("expected 1 class after replace, got %d", len(r.Classes()))
	}
}

func TestRegistryMustGetMissing(t *testing.T) {
	r := New()
	if _, err := r.MustGet("missing"); err == nil {
		t.Fatal("expected error for missing class")
	}
}

func TestRegistryClassesSorted(t *testing.T) {
	r := New()
	r.Register("z", noopHandler())
	r.Register("a", noopHandler())
	classes := r.Classes()
	if classes[0] != "a" || classes[1] != "z" {
		t.Fatalf("expected sorted classes, got %v", classes)
	}
}

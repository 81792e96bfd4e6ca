package tool

import (
	"context"
	"errors"
	"testing"
)

func TestUnitName(t *testing.T) {
	tests := map[string]string{
		"revit.create_wall":            "revit_create_wall",
		"flow.create_walls_from_lines": "flow_create_walls_from_lines",
		"plain":                        "plain",
	}
	for in, want := range tests {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandlerCacheLoadsOnce(t *testing.T) {
	loads := 0
	cache := NewHandlerCache(func(unit string) (Handler, error) {
		loads++
		if unit != "revit_create_wall" {
			t.Fatalf("loader unit = %q, want revit_create_wall", unit)
		}
		return HandlerFunc(func(ctx context.Context, args map[string]any, opts HandlerOptions) (Result, error) {
			return OK(nil), nil
		}), nil
	})

	for i := 0; i < 3; i++ {
		if _, err := cache.Load("revit.create_wall"); err != nil {
			t.Fatalf("Load() error = %v", err)
		}
	}
	if loads != 1 {
		t.Fatalf("loader calls = %d, want 1", loads)
	}
	cache.Reset()
	if cache.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", cache.Len())
	}
}

func TestHandlerCacheDoesNotCacheFailures(t *testing.T) {
	attempts := 0
	cache := NewHandlerCache(func(unit string) (Handler, error) {
		attempts++
		if attempts == 1 {
			return nil, nil
		}
		return HandlerFunc(func(context.Context, map[string]any, HandlerOptions) (Result, error) {
			return OK(nil), nil
		}), nil
	})

	if _, err := cache.Load("dynamo.run_graph"); !errors.Is(err, ErrHandlerNoEntryPoint) {
		t.Fatalf("first Load() error = %v, want ErrHandlerNoEntryPoint", err)
	}
	if _, err := cache.Load("dynamo.run_graph"); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("loader calls = %d, want 2", attempts)
	}
}

func TestMapLoaderMiss(t *testing.T) {
	cache := NewHandlerCache(MapLoader(map[string]Handler{}))
	if _, err := cache.Load("nope.tool"); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("Load() error = %v, want ErrHandlerNotFound", err)
	}
	if _, err := NewHandlerCache(nil).Load("nope.tool"); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("Load(nil loader) error = %v, want ErrHandlerNotFound", err)
	}
}

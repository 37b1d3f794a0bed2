package services_test

import (
	"context"
	"testing"

	"hopper/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithSource(ctx, "vendor-drop")
	ctx = services.WithUnitID(ctx, "unit-42")
	ctx = services.WithRequestID(ctx, "req-123")

	if name, ok := services.SourceFromContext(ctx); !ok || name != "vendor-drop" {
		t.Fatalf("unexpected source: %v %v", name, ok)
	}
	if id, ok := services.UnitIDFromContext(ctx); !ok || id != "unit-42" {
		t.Fatalf("unexpected unit id: %v %v", id, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithSource(ctx, "")
	ctx = services.WithUnitID(ctx, "")
	if _, ok := services.SourceFromContext(ctx); ok {
		t.Fatal("expected no source value")
	}
	if _, ok := services.UnitIDFromContext(ctx); ok {
		t.Fatal("expected no unit id value")
	}
}

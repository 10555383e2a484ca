package server

import (
	"context"
	"testing"
)

func TestTenantIDFromContext(t *testing.T) {
	if got := TenantIDFromContext(context.Background()); got != "" {
		t.Errorf("TenantIDFromContext(empty) = %q, want \"\"", got)
	}

	ctx := WithTenantID(context.Background(), "school-1")
	if got := TenantIDFromContext(ctx); got != "school-1" {
		t.Errorf("TenantIDFromContext() = %q, want %q", got, "school-1")
	}
}

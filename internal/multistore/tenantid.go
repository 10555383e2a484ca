package multistore

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/validation"
)

var (
	// ErrInvalidTenantID indicates a tenant ID failed validation.
	ErrInvalidTenantID = errors.New("invalid tenant ID")
	// ErrTenantNotFound indicates the requested tenant has no local store.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantExists indicates a tenant already has a local store.
	ErrTenantExists = errors.New("tenant already exists")
)

// ValidateTenantID returns ErrInvalidTenantID with details unless id can
// name a tenant directory.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty tenant ID", ErrInvalidTenantID)
	}
	if verr := validation.ValidateTenantID("tenant_id", id); verr != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTenantID, verr.Message)
	}
	return nil
}

package changeorder

import (
	"context"
	"errors"
	"testing"
)

// A nil transaction proves the lookup never reaches the database.
func TestGetMalformedIDIsNotFound(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, nil, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetForUpdate(ctx, nil, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

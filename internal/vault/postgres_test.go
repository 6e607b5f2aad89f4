package vault

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.uber.org/zap"
)

// Set MOLTSHIELD_TEST_POSTGRES_URL to run against a real database.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("MOLTSHIELD_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("MOLTSHIELD_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(&PostgresConfig{DatabaseURL: url}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	defer s.Close()

	id := "pgtest-" + fixedToken[:8]
	s.db.ExecContext(ctx, `DELETE FROM vault_entries WHERE session_id = $1`, id)

	entries := testEntries()
	if err := s.Append(ctx, id, entries); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append(ctx, id, entries); err != nil {
		t.Fatalf("identical re-append failed: %v", err)
	}
	conflict := entries[0]
	conflict.OriginalValue = "999"
	if err := s.Append(ctx, id, []Entry{conflict}); !errors.Is(err, ErrDuplicatePlaceholder) {
		t.Fatalf("expected ErrDuplicatePlaceholder, got %v", err)
	}
	got, err := s.Load(ctx, id)
	if err != nil || len(got) != 2 || got[entries[0].Placeholder].OriginalValue != "101.5" {
		t.Fatalf("unexpected load %v, %v", got, err)
	}
	info, err := s.Stat(ctx, id)
	if err != nil || info.Entries != 2 {
		t.Errorf("unexpected stat %+v, %v", info, err)
	}
}

package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "", zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("append and load", func(t *testing.T) {
		s, _ := newRedisStore(t)
		if _, err := s.Load(ctx, "run1"); !errors.Is(err, ErrVaultNotFound) {
			t.Fatalf("expected ErrVaultNotFound, got %v", err)
		}
		if err := s.Append(ctx, "run1", testEntries()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		got, err := s.Load(ctx, "run1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		for _, want := range testEntries() {
			e := got[want.Placeholder]
			if e.OriginalValue != want.OriginalValue || !e.CreatedAt.Equal(want.CreatedAt) {
				t.Errorf("entry %s: got %+v", want.Placeholder, e)
			}
		}
	})

	t.Run("write once", func(t *testing.T) {
		s, _ := newRedisStore(t)
		entries := testEntries()
		s.Append(ctx, "run1", entries[:1])
		if err := s.Append(ctx, "run1", entries); err != nil {
			t.Fatalf("identical re-append should succeed: %v", err)
		}
		conflict := entries[0]
		conflict.OriginalValue = "999"
		err := s.Append(ctx, "run1", []Entry{conflict})
		if !errors.Is(err, ErrDuplicatePlaceholder) {
			t.Fatalf("expected ErrDuplicatePlaceholder, got %v", err)
		}
		got, _ := s.Load(ctx, "run1")
		if got[entries[0].Placeholder].OriginalValue != "101.5" {
			t.Error("existing entry was overwritten")
		}
	})

	t.Run("conflict aborts the whole batch", func(t *testing.T) {
		s, _ := newRedisStore(t)
		entries := testEntries()
		s.Append(ctx, "run1", entries[:1])
		conflict := entries[0]
		conflict.OriginalValue = "999"
		s.Append(ctx, "run1", []Entry{entries[1], conflict})
		got, _ := s.Load(ctx, "run1")
		if len(got) != 1 {
			t.Errorf("expected batch to be rejected atomically, got %d entries", len(got))
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		s, mr := newRedisStore(t)
		mr.HSet(DefaultRedisKeyPrefix+"bad:values", "VAL_abcdef123456", "x")
		if _, err := s.Load(ctx, "bad"); !errors.Is(err, ErrCorruptVault) {
			t.Errorf("expected ErrCorruptVault, got %v", err)
		}
	})

	t.Run("sessions", func(t *testing.T) {
		s, _ := newRedisStore(t)
		s.Append(ctx, "beta", testEntries())
		s.Append(ctx, "alpha", testEntries()[:1])
		infos, err := s.Sessions(ctx)
		if err != nil {
			t.Fatalf("Sessions failed: %v", err)
		}
		if len(infos) != 2 || infos[0].ID != "alpha" || infos[1].Entries != 2 {
			t.Errorf("unexpected infos %+v", infos)
		}
	})
}

package gatekeeper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/document"
	"github.com/raaihank/moltshield/internal/policy"
	"github.com/raaihank/moltshield/internal/vault"
)

type brokenStore struct {
	vault.Store
}

func (brokenStore) Append(context.Context, string, []vault.Entry) error {
	return errors.New("read-only filesystem")
}

func newService(t *testing.T, store vault.Store) *Service {
	t.Helper()
	tr := newTransformer(t, &policy.Policy{
		Rules: []policy.Rule{{TagPattern: "pressure", Action: policy.ActionMaskValue}},
	})
	return NewService(tr, vault.NewManager(store, zap.NewNop()), zap.NewNop())
}

func TestServiceSanitize(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := vault.NewFileStore(filepath.Join(dir, "vaults"))
	if err != nil {
		t.Fatal(err)
	}
	svc := newService(t, store)

	res, err := svc.Sanitize(ctx, strings.NewReader(`<element><pressure>5.5</pressure></element>`), "run1", 0)
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}
	stored, err := store.Load(ctx, "run1")
	if err != nil {
		t.Fatalf("expected persisted vault: %v", err)
	}
	if e, ok := stored[res.Entries[0].Placeholder]; !ok || e.OriginalValue != "5.5" {
		t.Errorf("persisted vault missing entry: %v", stored)
	}

	t.Run("parse error writes nothing", func(t *testing.T) {
		_, err := svc.Sanitize(ctx, strings.NewReader(`<element><pressure>1</element>`), "bad", 0)
		if !errors.Is(err, document.ErrParse) {
			t.Fatalf("expected ErrParse, got %v", err)
		}
		if _, err := store.Load(ctx, "bad"); !errors.Is(err, vault.ErrVaultNotFound) {
			t.Errorf("expected no vault for failed parse, got %v", err)
		}
	})

	t.Run("appends across documents", func(t *testing.T) {
		if _, err := svc.Sanitize(ctx, strings.NewReader(`<element><pressure>6.5</pressure></element>`), "run1", 0); err != nil {
			t.Fatalf("Sanitize failed: %v", err)
		}
		stored, _ := store.Load(ctx, "run1")
		if len(stored) != 2 {
			t.Errorf("expected 2 entries after second document, got %d", len(stored))
		}
	})
}

func TestServiceSanitizeFile(t *testing.T) {
	dir := t.TempDir()
	store, _ := vault.NewFileStore(filepath.Join(dir, "vaults"))
	svc := newService(t, store)

	in := filepath.Join(dir, "model.xml")
	os.WriteFile(in, []byte(`<element id="e1"><pressure>123.45</pressure></element>`), 0o644)

	fr, err := svc.SanitizeFile(context.Background(), in, filepath.Join(dir, "out"), "run1", 0)
	if err != nil {
		t.Fatalf("SanitizeFile failed: %v", err)
	}
	if fr.Output != filepath.Join(dir, "out", "model_sanitized.xml") {
		t.Errorf("unexpected output path %s", fr.Output)
	}
	data, err := os.ReadFile(fr.Output)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "123.45") || !strings.Contains(string(data), fr.Result.Entries[0].Placeholder) {
		t.Errorf("unexpected sanitized output:\n%s", data)
	}
	if !strings.HasPrefix(string(data), "<?xml") {
		t.Error("expected XML declaration")
	}
}

func TestServicePersistFailure(t *testing.T) {
	fs, _ := vault.NewFileStore(t.TempDir())
	svc := newService(t, brokenStore{Store: fs})

	_, err := svc.Sanitize(context.Background(), strings.NewReader(`<element><pressure>5.5</pressure></element>`), "run1", 0)
	if err == nil {
		t.Fatal("expected persist failure")
	}

	h, err := svc.Manager().Open(context.Background(), "run1", true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Release()
	if h.Session().Len() != 0 {
		t.Errorf("expected no entries after failed persist, got %d", h.Session().Len())
	}
}

func TestServiceSwapTransformer(t *testing.T) {
	fs, _ := vault.NewFileStore(t.TempDir())
	svc := newService(t, fs)

	e, _ := policy.NewEngine(&policy.Policy{Rules: []policy.Rule{{TagPattern: "pressure", Action: policy.ActionRedact}}})
	svc.SetTransformer(svc.Transformer().WithEngine(e))

	res, err := svc.Sanitize(context.Background(), strings.NewReader(`<element><pressure>5.5</pressure></element>`), "run1", 0)
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}
	if got := render(t, res.Document); got != `<element/>` {
		t.Errorf("expected swapped policy to redact, got %s", got)
	}
}

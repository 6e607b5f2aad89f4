package gatekeeper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/document"
	"github.com/raaihank/moltshield/internal/vault"
)

// Service runs the full sanitize flow against a vault Manager: parse,
// transform, commit, persist. The transformer can be swapped at runtime
// when the policy is reloaded.
type Service struct {
	transformer atomic.Pointer[Transformer]
	manager     *vault.Manager
	logger      *zap.Logger
}

// NewService wires a transformer to a vault manager.
func NewService(t *Transformer, m *vault.Manager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{manager: m, logger: logger}
	s.transformer.Store(t)
	return s
}

// Transformer returns the active transformer.
func (s *Service) Transformer() *Transformer {
	return s.transformer.Load()
}

// SetTransformer replaces the active transformer. Documents already in
// flight finish with the previous one.
func (s *Service) SetTransformer(t *Transformer) {
	s.transformer.Store(t)
}

// Manager returns the vault manager.
func (s *Service) Manager() *vault.Manager {
	return s.manager
}

// Sanitize parses an XML document and sanitizes it under sessionID. A parse
// failure returns before the vault is opened. If persisting fails the
// session is rolled back and no entries survive.
func (s *Service) Sanitize(ctx context.Context, r io.Reader, sessionID string, seed int64) (*Result, error) {
	doc, err := document.ParseXML(r)
	if err != nil {
		return nil, err
	}
	return s.SanitizeDocument(ctx, doc, sessionID, seed)
}

// SanitizeDocument sanitizes an already parsed tree.
func (s *Service) SanitizeDocument(ctx context.Context, doc *document.Node, sessionID string, seed int64) (*Result, error) {
	h, err := s.manager.Open(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	start := time.Now()
	res, err := s.Transformer().Transform(ctx, doc, h.Session(), seed)
	if err != nil {
		return nil, err
	}
	if err := h.Persist(ctx); err != nil {
		return nil, fmt.Errorf("failed to persist vault: %w", err)
	}

	s.logger.Info("Document sanitized",
		zap.String("session_id", sessionID),
		zap.Int("masked", res.Stats.Masked),
		zap.Int("redacted", res.Stats.Redacted),
		zap.Int("shuffled", res.Stats.Shuffled),
		zap.Int("shadowed", res.Stats.Shadowed),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// FileResult describes one sanitized file.
type FileResult struct {
	Input  string
	Output string
	Result *Result
}

// OutputPath returns where the sanitized form of input is written.
func OutputPath(input, outDir string) string {
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(outDir, stem+"_sanitized.xml")
}

// SanitizeFile sanitizes the XML file at input and writes
// <stem>_sanitized.xml into outDir, or next to input when outDir is empty.
func (s *Service) SanitizeFile(ctx context.Context, input, outDir, sessionID string, seed int64) (*FileResult, error) {
	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	res, err := s.Sanitize(ctx, f, sessionID, seed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(input), err)
	}

	rendered, err := res.Rendered()
	if err != nil {
		return nil, fmt.Errorf("failed to render sanitized document: %w", err)
	}
	out := OutputPath(input, outDir)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(out, []byte(rendered), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write sanitized document: %w", err)
	}
	return &FileResult{Input: input, Output: out, Result: res}, nil
}

// Rendered returns the sanitized document as XML text.
func (r *Result) Rendered() (string, error) {
	var buf bytes.Buffer
	if err := document.WriteXML(&buf, r.Document, "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Package rehydrate restores vault placeholders in artifacts returned from
// outside the trust boundary. Only values are restored: tag names stay
// shadowed and shuffled siblings stay in their shuffled order.
//
// Rehydration is idempotent as long as no original value itself looks like
// a placeholder.
package rehydrate

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/raaihank/moltshield/internal/document"
	"github.com/raaihank/moltshield/internal/vault"
)

// Lookup resolves a placeholder to its original value.
type Lookup interface {
	Lookup(placeholder string) (string, bool)
}

// Report summarizes one rehydration. Misses are placeholder candidates with
// no vault entry; they are left in place.
type Report struct {
	Restored int      `json:"restored"`
	Misses   []string `json:"misses"`
}

// Rehydrator replaces placeholders found by pattern with values from lookup.
type Rehydrator struct {
	lookup  Lookup
	pattern *regexp.Regexp
}

// New returns a rehydrator recognising the given prefixes, or the default
// prefix when none are given.
func New(lookup Lookup, prefixes ...string) *Rehydrator {
	return &Rehydrator{lookup: lookup, pattern: vault.PlaceholderPattern(prefixes...)}
}

// ForSession recognises the configured prefixes plus every prefix already
// used in the session.
func ForSession(s *vault.Session, prefixes ...string) *Rehydrator {
	all := append(append([]string{}, prefixes...), s.Prefixes()...)
	if len(prefixes) == 0 {
		all = append(all, vault.DefaultPrefix)
	}
	return New(s, all...)
}

// WithSession opens a persisted session, runs fn with a rehydrator over it
// and releases the session. A missing vault fails with ErrVaultNotFound.
func WithSession(ctx context.Context, m *vault.Manager, id string, prefixes []string, fn func(*Rehydrator) error) error {
	h, err := m.Open(ctx, id, false)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ForSession(h.Session(), prefixes...))
}

type tally struct {
	restored int
	misses   map[string]bool
}

func newTally() *tally {
	return &tally{misses: make(map[string]bool)}
}

func (t *tally) report() Report {
	r := Report{Restored: t.restored, Misses: make([]string, 0, len(t.misses))}
	for m := range t.misses {
		r.Misses = append(r.Misses, m)
	}
	sort.Strings(r.Misses)
	return r
}

func (r *Rehydrator) replace(s string, t *tally) string {
	return r.replaceWith(s, t, nil)
}

// replaceWith passes each restored value through escape when it is set.
func (r *Rehydrator) replaceWith(s string, t *tally, escape func(string) string) string {
	return r.pattern.ReplaceAllStringFunc(s, func(ph string) string {
		v, ok := r.lookup.Lookup(ph)
		if !ok {
			t.misses[ph] = true
			return ph
		}
		t.restored++
		if escape != nil {
			return escape(v)
		}
		return v
	})
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&#34;",
	"'", "&#39;",
)

// Text restores placeholders anywhere in s.
func (r *Rehydrator) Text(s string) (string, Report) {
	t := newTally()
	out := r.replace(s, t)
	return out, t.report()
}

// XMLText restores placeholders in serialized XML without reparsing it, so
// comments, processing instructions, whitespace and fragments pass through
// untouched. Restored values are escaped for character data and attributes.
func (r *Rehydrator) XMLText(s string) (string, Report) {
	t := newTally()
	out := r.replaceWith(s, t, xmlEscaper.Replace)
	return out, t.report()
}

// XML returns a restored copy of n. Text, tails and attribute values are
// scanned; placeholders embedded in longer values are replaced token by
// token.
func (r *Rehydrator) XML(n *document.Node) (*document.Node, Report) {
	t := newTally()
	out := n.Clone()
	document.Walk(out, func(_ []string, node *document.Node) bool {
		for i := range node.Attrs {
			node.Attrs[i].Value = r.replace(node.Attrs[i].Value, t)
		}
		node.Text = r.replace(node.Text, t)
		node.Tail = r.replace(node.Tail, t)
		return true
	})
	return out, t.report()
}

// JSON returns a restored copy of v, as produced by encoding/json or
// document.ParseJSON. String values and object keys are restored. A restored
// key that would collide with an existing key is left as the placeholder.
func (r *Rehydrator) JSON(v any) (any, Report) {
	t := newTally()
	out := r.json(v, t)
	return out, t.report()
}

func (r *Rehydrator) json(v any, t *tally) any {
	switch val := v.(type) {
	case string:
		return r.replace(val, t)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.json(item, t)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			nk := r.replace(k, t)
			if _, clash := val[nk]; nk != k && clash {
				nk = k
			}
			if _, clash := out[nk]; clash {
				nk = k
			}
			out[nk] = r.json(val[k], t)
		}
		return out
	default:
		return v
	}
}

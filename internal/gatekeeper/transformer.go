// Package gatekeeper turns a parsed document into its sanitized form. One
// depth-first pass resolves a policy action per node and masks values into
// the session vault, redacts subtrees, shuffles children and shadows tag
// names.
//
// Shuffling is one-way. The original sibling order is not recorded anywhere,
// so rehydration restores values only and never structure.
package gatekeeper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/document"
	"github.com/raaihank/moltshield/internal/policy"
	"github.com/raaihank/moltshield/internal/vault"
)

// DefaultValuePattern matches numeric attribute values that get masked on
// mask_value nodes.
const DefaultValuePattern = `-?\d+\.?\d*`

// ErrNilDocument is returned when Transform is called without a tree.
var ErrNilDocument = errors.New("nil document")

// Transformer applies a policy engine to documents. It is immutable after
// construction and safe for concurrent use; concurrency on a single session
// is serialised by the vault Manager.
type Transformer struct {
	engine        *policy.Engine
	tokens        vault.TokenSource
	prefix        string
	valuePattern  *regexp.Regexp
	preserveAttrs map[string]bool
	shuffle       bool
	logger        *zap.Logger
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithTokens overrides the placeholder token source.
func WithTokens(ts vault.TokenSource) Option {
	return func(t *Transformer) { t.tokens = ts }
}

// WithPrefix sets the placeholder prefix used when a rule does not set one.
func WithPrefix(prefix string) Option {
	return func(t *Transformer) { t.prefix = prefix }
}

// WithValuePattern sets the pattern an attribute value must fully match to
// be masked.
func WithValuePattern(re *regexp.Regexp) Option {
	return func(t *Transformer) { t.valuePattern = re }
}

// WithPreserveAttributes lists attribute names never masked.
func WithPreserveAttributes(names ...string) Option {
	return func(t *Transformer) {
		for _, n := range names {
			t.preserveAttrs[n] = true
		}
	}
}

// WithShuffling turns shuffle_siblings rules on or off. Disabled rules act
// like preserve.
func WithShuffling(enabled bool) Option {
	return func(t *Transformer) { t.shuffle = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transformer) { t.logger = l }
}

// New builds a transformer over engine.
func New(engine *policy.Engine, opts ...Option) (*Transformer, error) {
	t := &Transformer{
		engine:        engine,
		tokens:        vault.RandomTokens(),
		prefix:        vault.DefaultPrefix,
		preserveAttrs: make(map[string]bool),
		shuffle:       true,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if engine == nil {
		return nil, fmt.Errorf("policy engine is required")
	}
	if !vault.ValidPrefix(t.prefix) {
		return nil, fmt.Errorf("invalid placeholder prefix %q", t.prefix)
	}
	if t.valuePattern == nil {
		re, err := CompileValuePattern(DefaultValuePattern)
		if err != nil {
			return nil, err
		}
		t.valuePattern = re
	}
	return t, nil
}

// CompileValuePattern anchors pattern so that it must match a whole value.
func CompileValuePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("invalid value pattern: %w", err)
	}
	return re, nil
}

// WithEngine returns a copy of t that uses engine. Used when a policy file
// is reloaded.
func (t *Transformer) WithEngine(engine *policy.Engine) *Transformer {
	cp := *t
	cp.engine = engine
	return &cp
}

// Engine returns the policy engine in use.
func (t *Transformer) Engine() *policy.Engine {
	return t.engine
}

// Prefixes returns every placeholder prefix this transformer can mint.
func (t *Transformer) Prefixes() []string {
	seen := map[string]bool{t.prefix: true}
	out := []string{t.prefix}
	for _, r := range t.engine.Policy().Rules {
		if mp, ok := r.Params.(policy.MaskParams); ok && mp.PlaceholderPrefix != "" && !seen[mp.PlaceholderPrefix] {
			seen[mp.PlaceholderPrefix] = true
			out = append(out, mp.PlaceholderPrefix)
		}
	}
	return out
}

// Stats counts what a transformation did.
type Stats struct {
	Masked     int      `json:"masked"`
	Redacted   int      `json:"redacted"`
	Shuffled   int      `json:"shuffled"`
	Shadowed   int      `json:"shadowed"`
	Unshadowed []string `json:"unshadowed,omitempty"`
}

// Result is a sanitized document and the vault entries it introduced, in
// document order.
type Result struct {
	Document *document.Node
	Entries  []vault.Entry
	Stats    Stats
}

type pass struct {
	ctx        context.Context
	batch      *vault.Batch
	seed       int64
	stats      Stats
	unshadowed map[string]bool
}

// Transform sanitizes a copy of doc. Entries are committed to session only
// when the whole tree has been processed; on any error, including context
// cancellation, the session is left untouched.
func (t *Transformer) Transform(ctx context.Context, doc *document.Node, session *vault.Session, seed int64) (*Result, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	out := doc.Clone()
	p := &pass{
		ctx:        ctx,
		batch:      session.Stage(),
		seed:       seed,
		unshadowed: make(map[string]bool),
	}

	if _, err := t.visit(p, out, make([]string, 0, 16), "", 0, true); err != nil {
		return nil, err
	}
	if err := p.batch.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit vault entries: %w", err)
	}

	for tag := range p.unshadowed {
		p.stats.Unshadowed = append(p.stats.Unshadowed, tag)
	}
	sort.Strings(p.stats.Unshadowed)
	if len(p.stats.Unshadowed) > 0 {
		t.logger.Warn("Tags passed through without shadowing",
			zap.String("session_id", session.ID()),
			zap.Strings("tags", p.stats.Unshadowed))
	}
	t.logger.Debug("Document transformed",
		zap.String("session_id", session.ID()),
		zap.Int("masked", p.stats.Masked),
		zap.Int("redacted", p.stats.Redacted),
		zap.Int("shuffled", p.stats.Shuffled),
		zap.Int("shadowed", p.stats.Shadowed))

	return &Result{Document: out, Entries: p.batch.Entries(), Stats: p.stats}, nil
}

// visit processes n in place and reports whether it stays in the tree. path
// holds original tag names; key adds sibling indexes for shuffle seeding.
func (t *Transformer) visit(p *pass, n *document.Node, path []string, key string, index int, root bool) (bool, error) {
	if err := p.ctx.Err(); err != nil {
		return false, err
	}
	path = append(path, n.Tag)
	key = key + "/" + n.QName() + "[" + strconv.Itoa(index) + "]"
	res := t.engine.Resolve(path)
	tag := n.Tag

	switch res.Action {
	case policy.ActionRedact:
		p.stats.Redacted++
		n.Text, n.Attrs, n.Children = "", nil, nil
		params, _ := res.Params.(policy.RedactParams)
		if !params.KeepMarker && !root {
			return false, nil
		}

	case policy.ActionMaskValue:
		params, _ := res.Params.(policy.MaskParams)
		if err := t.mask(p, n, params.PlaceholderPrefix); err != nil {
			return false, err
		}
		if _, err := t.visitChildren(p, n, path, key, true, params.PlaceholderPrefix); err != nil {
			return false, err
		}

	case policy.ActionShuffleSiblings:
		// Children are processed in document order first so that
		// placeholder minting does not depend on the permutation.
		tags, err := t.visitChildren(p, n, path, key, false, "")
		if err != nil {
			return false, err
		}
		if t.shuffle {
			params, _ := res.Params.(policy.ShuffleParams)
			if permute(n.Children, tags, params.ChildTag, shuffleSeed(p.seed, params.SeedSalt, key)) {
				p.stats.Shuffled++
			}
		}

	default:
		if _, err := t.visitChildren(p, n, path, key, false, ""); err != nil {
			return false, err
		}
	}

	if name, ok := t.engine.ShadowName(tag, res); ok {
		n.Tag, n.Space = name, ""
		p.stats.Shadowed++
	} else if !res.Explicit() {
		p.unshadowed[tag] = true
	}
	return true, nil
}

// visitChildren processes n's children, drops redacted ones and returns the
// original tags of those kept. Tails are n's own text: they are masked when
// maskTails is set and survive the removal of the child they follow.
func (t *Transformer) visitChildren(p *pass, n *document.Node, path []string, key string, maskTails bool, prefix string) ([]string, error) {
	if len(n.Children) == 0 {
		return nil, nil
	}
	kept := make([]*document.Node, 0, len(n.Children))
	tags := make([]string, 0, len(n.Children))
	for i, c := range n.Children {
		tag := c.Tag
		ok, err := t.visit(p, c, path, key, i, false)
		if err != nil {
			return nil, err
		}
		if maskTails && c.Tail != "" {
			if c.Tail, err = t.maskText(p, c.Tail, prefix); err != nil {
				return nil, err
			}
		}
		if ok {
			kept = append(kept, c)
			tags = append(tags, tag)
			continue
		}
		if c.Tail == "" {
			continue
		}
		if len(kept) > 0 {
			prev := kept[len(kept)-1]
			prev.Tail = joinText(prev.Tail, c.Tail)
		} else {
			n.Text = joinText(n.Text, c.Tail)
		}
	}
	n.Children = kept
	return tags, nil
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}

// mask replaces the leading text and matching attribute values with
// placeholders, including the text of mixed-content elements. Attributes come
// first, as they do in serialized order.
func (t *Transformer) mask(p *pass, n *document.Node, prefix string) error {
	if prefix == "" {
		prefix = t.prefix
	}
	for i, a := range n.Attrs {
		if t.preserveAttrs[a.Name] || a.Space == "xmlns" || (a.Space == "" && a.Name == "xmlns") {
			continue
		}
		if !t.valuePattern.MatchString(a.Value) {
			continue
		}
		e, err := p.batch.Mint(a.Value, prefix, t.tokens)
		if err != nil {
			return err
		}
		n.Attrs[i].Value = e.Placeholder
		p.stats.Masked++
	}
	if n.Text == "" {
		return nil
	}
	text, err := t.maskText(p, n.Text, prefix)
	if err != nil {
		return err
	}
	n.Text = text
	return nil
}

func (t *Transformer) maskText(p *pass, s, prefix string) (string, error) {
	if prefix == "" {
		prefix = t.prefix
	}
	e, err := p.batch.Mint(s, prefix, t.tokens)
	if err != nil {
		return "", err
	}
	p.stats.Masked++
	return e.Placeholder, nil
}

// shuffleSeed derives a per-parent seed from the global seed, the rule's
// salt and the parent's indexed path.
func shuffleSeed(seed int64, salt, key string) int64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(seed))
	h.Write(buf[:])
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// permute applies a seeded Fisher-Yates shuffle to the children whose
// original tag equals childTag, or to all children when childTag is empty.
// Other children keep their slots. It reports whether at least two children
// took part.
func permute(children []*document.Node, tags []string, childTag string, seed int64) bool {
	var slots []int
	for i := range children {
		if childTag == "" || tags[i] == childTag {
			slots = append(slots, i)
		}
	}
	if len(slots) < 2 {
		return false
	}
	picked := make([]*document.Node, len(slots))
	for i, s := range slots {
		picked[i] = children[s]
	}
	rng := rand.New(rand.NewSource(seed))
	for i := len(picked) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		picked[i], picked[j] = picked[j], picked[i]
	}
	for i, s := range slots {
		children[s] = picked[i]
	}
	return true
}

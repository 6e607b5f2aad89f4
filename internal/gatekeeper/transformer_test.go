package gatekeeper

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/raaihank/moltshield/internal/document"
	"github.com/raaihank/moltshield/internal/policy"
	"github.com/raaihank/moltshield/internal/vault"
)

func newTransformer(t *testing.T, p *policy.Policy, opts ...Option) *Transformer {
	t.Helper()
	e, err := policy.NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	tr, err := New(e, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr
}

func newSession(t *testing.T) *vault.Session {
	t.Helper()
	s, err := vault.NewSession("test")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func parse(t *testing.T, s string) *document.Node {
	t.Helper()
	n, err := document.ParseXMLString(s)
	if err != nil {
		t.Fatalf("ParseXMLString failed: %v", err)
	}
	return n
}

func render(t *testing.T, n *document.Node) string {
	t.Helper()
	out, err := document.MarshalXML(n)
	if err != nil {
		t.Fatalf("MarshalXML failed: %v", err)
	}
	return out
}

func TestMaskScenario(t *testing.T) {
	tr := newTransformer(t, &policy.Policy{
		Rules: []policy.Rule{{TagPattern: "pressure", Action: policy.ActionMaskValue}},
	})
	session := newSession(t)
	doc := parse(t, `<element id="e1"><pressure>123.45</pressure></element>`)

	res, err := tr.Transform(context.Background(), doc, session, 1)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(res.Entries))
	}
	ph := res.Entries[0].Placeholder
	want := `<element id="e1"><pressure>` + ph + `</pressure></element>`
	if got := render(t, res.Document); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if v, ok := session.Lookup(ph); !ok || v != "123.45" {
		t.Errorf("expected vault entry for %s, got %q", ph, v)
	}
	if !strings.HasPrefix(ph, vault.DefaultPrefix) || !vault.IsPlaceholder(ph) {
		t.Errorf("unexpected placeholder %s", ph)
	}
	if doc.Find("pressure").Text != "123.45" {
		t.Error("input document was mutated")
	}
	if res.Stats.Masked != 1 {
		t.Errorf("expected Masked=1, got %d", res.Stats.Masked)
	}
}

func TestMaskEdgeCases(t *testing.T) {
	tr := newTransformer(t, &policy.Policy{
		Rules: []policy.Rule{
			{TagPattern: "id", Action: policy.ActionPreserve},
			{TagPattern: "velocity", Action: policy.ActionMaskValue, Params: policy.MaskParams{PlaceholderPrefix: "VEL_"}},
			{TagPattern: "group", Action: policy.ActionMaskValue},
			{TagPattern: "coordinates", Action: policy.ActionMaskValue},
		},
	}, WithPreserveAttributes("id"))
	session := newSession(t)
	doc := parse(t, `<root>`+
		`<group><velocity>7</velocity></group>`+
		`<coordinates id="42" x="10.5" y="-20.3" label="north"/>`+
		`<id>99</id>`+
		`</root>`)

	res, err := tr.Transform(context.Background(), doc, session, 0)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if res.Stats.Masked != 3 {
		t.Fatalf("expected 3 masked values, got %d: %s", res.Stats.Masked, render(t, res.Document))
	}

	vel := res.Document.Find("group").Find("velocity")
	if !strings.HasPrefix(vel.Text, "VEL_") {
		t.Errorf("expected rule prefix, got %s", vel.Text)
	}
	coords := res.Document.Find("coordinates")
	if v, _ := coords.Attr("id"); v != "42" {
		t.Errorf("preserved attribute changed: %s", v)
	}
	if v, _ := coords.Attr("label"); v != "north" {
		t.Errorf("non-numeric attribute changed: %s", v)
	}
	out := render(t, res.Document)
	for _, leaked := range []string{"10.5", "-20.3", ">7<"} {
		if strings.Contains(out, leaked) {
			t.Errorf("output leaks %q: %s", leaked, out)
		}
	}
	if res.Document.Find("id").Text != "99" {
		t.Error("preserved node was masked")
	}

	// Entries follow document order: velocity, then x, then y.
	order := []string{"7", "10.5", "-20.3"}
	for i, e := range res.Entries {
		if e.OriginalValue != order[i] {
			t.Errorf("entry %d: expected %s, got %s", i, order[i], e.OriginalValue)
		}
	}
}

func TestMaskMixedContent(t *testing.T) {
	t.Run("leading text of an element with children", func(t *testing.T) {
		tr := newTransformer(t, &policy.Policy{GlobalMasking: true})
		session := newSession(t)
		res, err := tr.Transform(context.Background(), parse(t, `<root><reading>42<unit>psi</unit></reading></root>`), session, 0)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		out := render(t, res.Document)
		if strings.Contains(out, "42") {
			t.Errorf("output leaks 42: %s", out)
		}
		reading := res.Document.Find("reading")
		if v, ok := session.Lookup(reading.Text); !ok || v != "42" {
			t.Errorf("expected vault entry for %s, got %q", reading.Text, v)
		}
		if res.Entries[0].OriginalValue != "42" || res.Entries[1].OriginalValue != "psi" {
			t.Errorf("entries out of document order: %+v", res.Entries)
		}
	})

	t.Run("text after a child", func(t *testing.T) {
		tr := newTransformer(t, &policy.Policy{
			Rules: []policy.Rule{{TagPattern: "r", Action: policy.ActionMaskValue}},
		})
		session := newSession(t)
		res, err := tr.Transform(context.Background(), parse(t, `<r>4<u/>2</r>`), session, 0)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		if res.Stats.Masked != 2 {
			t.Fatalf("expected 2 masked values, got %d: %s", res.Stats.Masked, render(t, res.Document))
		}
		tail := res.Document.Children[0].Tail
		if v, ok := session.Lookup(tail); !ok || v != "2" {
			t.Errorf("expected tail placeholder for 2, got %q -> %q", tail, v)
		}
		want := `<r>` + res.Entries[0].Placeholder + `<u/>` + res.Entries[1].Placeholder + `</r>`
		if got := render(t, res.Document); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("tail survives a redacted sibling", func(t *testing.T) {
		tr := newTransformer(t, &policy.Policy{
			Rules: []policy.Rule{{TagPattern: "secret", Action: policy.ActionRedact}},
		})
		res, err := tr.Transform(context.Background(), parse(t, `<p>a<b>1</b>b<secret>x</secret>c</p>`), newSession(t), 0)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		if got := render(t, res.Document); got != `<p>a<b>1</b>b c</p>` {
			t.Errorf("unexpected output %s", got)
		}
	})
}

func TestRedact(t *testing.T) {
	doc := `<root><secret a="1"><inner>x</inner></secret><keep>1</keep></root>`

	t.Run("drop", func(t *testing.T) {
		tr := newTransformer(t, &policy.Policy{
			Rules: []policy.Rule{{TagPattern: "secret", Action: policy.ActionRedact}},
		})
		res, err := tr.Transform(context.Background(), parse(t, doc), newSession(t), 0)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		if got := render(t, res.Document); got != `<root><keep>1</keep></root>` {
			t.Errorf("unexpected output %s", got)
		}
		if res.Stats.Redacted != 1 {
			t.Errorf("expected Redacted=1, got %d", res.Stats.Redacted)
		}
	})

	t.Run("marker", func(t *testing.T) {
		tr := newTransformer(t, &policy.Policy{
			Rules: []policy.Rule{{TagPattern: "secret", Action: policy.ActionRedact, Params: policy.RedactParams{KeepMarker: true}}},
		})
		res, err := tr.Transform(context.Background(), parse(t, doc), newSession(t), 0)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		if got := render(t, res.Document); got != `<root><secret/><keep>1</keep></root>` {
			t.Errorf("unexpected output %s", got)
		}
	})

	t.Run("root", func(t *testing.T) {
		tr := newTransformer(t, &policy.Policy{
			Rules: []policy.Rule{{TagPattern: "root", Action: policy.ActionRedact}},
		})
		res, err := tr.Transform(context.Background(), parse(t, doc), newSession(t), 0)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		if got := render(t, res.Document); got != `<root/>` {
			t.Errorf("expected empty root, got %s", got)
		}
	})
}

func childTexts(n *document.Node) string {
	var parts []string
	for _, c := range n.Children {
		parts = append(parts, c.Tag+":"+c.Text)
	}
	return strings.Join(parts, ",")
}

func TestShuffle(t *testing.T) {
	var b strings.Builder
	b.WriteString("<model><elements>")
	for _, c := range "abcdefghij" {
		b.WriteString("<element>" + string(c) + "</element>")
	}
	b.WriteString("</elements></model>")
	doc := parse(t, b.String())

	p := &policy.Policy{Rules: []policy.Rule{{TagPattern: "elements", Action: policy.ActionShuffleSiblings, Params: policy.ShuffleParams{SeedSalt: "s1"}}}}
	tr := newTransformer(t, p)

	run := func(seed int64) string {
		res, err := tr.Transform(context.Background(), doc, newSession(t), seed)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		return childTexts(res.Document.Find("elements"))
	}

	first := run(42)
	if first != run(42) {
		t.Error("same seed produced different permutations")
	}
	original := childTexts(doc.Find("elements"))
	differs := false
	for seed := int64(1); seed < 6; seed++ {
		if run(seed) != first {
			differs = true
		}
	}
	if !differs {
		t.Error("expected different seeds to produce a different permutation")
	}
	if childTexts(doc.Find("elements")) != original {
		t.Error("input document was mutated")
	}

	disabled := newTransformer(t, p, WithShuffling(false))
	res, _ := disabled.Transform(context.Background(), doc, newSession(t), 42)
	if childTexts(res.Document.Find("elements")) != original {
		t.Error("disabled shuffling reordered children")
	}
}

func TestShuffleChildTag(t *testing.T) {
	doc := parse(t, `<parent><head>h</head><item>1</item><item>2</item><item>3</item><item>4</item><tail>t</tail></parent>`)
	tr := newTransformer(t, &policy.Policy{Rules: []policy.Rule{
		{TagPattern: "parent", Action: policy.ActionShuffleSiblings, Params: policy.ShuffleParams{ChildTag: "item"}},
		{TagPattern: "item", Action: policy.ActionPreserve, Params: policy.PreserveParams{ShadowAs: "x"}},
	}})
	for seed := int64(0); seed < 10; seed++ {
		res, err := tr.Transform(context.Background(), doc, newSession(t), seed)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		kids := res.Document.Children
		if kids[0].Tag != "head" || kids[5].Tag != "tail" {
			t.Fatalf("non-matching children moved: %s", childTexts(res.Document))
		}
		for _, k := range kids[1:5] {
			if k.Tag != "x" {
				t.Fatalf("expected shadowed items in the middle slots: %s", childTexts(res.Document))
			}
		}
	}
}

func TestShuffleDeterministicPlaceholderOrder(t *testing.T) {
	doc := parse(t, `<list><v>1</v><v>2</v><v>3</v><v>4</v></list>`)
	tr := newTransformer(t, &policy.Policy{Rules: []policy.Rule{
		{TagPattern: "list", Action: policy.ActionShuffleSiblings},
		{TagPattern: "v", Action: policy.ActionMaskValue},
	}}, WithTokens(vault.SeededTokens(9)))

	res, err := tr.Transform(context.Background(), doc, newSession(t), 3)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	for i, e := range res.Entries {
		if want := []string{"1", "2", "3", "4"}[i]; e.OriginalValue != want {
			t.Errorf("entry %d: expected %s minted in document order, got %s", i, want, e.OriginalValue)
		}
	}

	again := newTransformer(t, tr.Engine().Policy(), WithTokens(vault.SeededTokens(9)))
	res2, _ := again.Transform(context.Background(), doc, newSession(t), 3)
	if render(t, res.Document) != render(t, res2.Document) {
		t.Error("seeded tokens and seed should reproduce the output exactly")
	}
}

func TestShadowing(t *testing.T) {
	p := &policy.Policy{
		GlobalMasking: true,
		Rules: []policy.Rule{
			{TagPattern: "id", Action: policy.ActionPreserve},
			{TagPattern: "velocity", Action: policy.ActionMaskValue, Params: policy.MaskParams{ShadowAs: "kinematic_gamma"}},
		},
		ShadowMap: map[string]string{"model": "doc", "pressure": "metric_alpha"},
	}
	e, err := policy.NewEngine(p, policy.WithDefaultShadows(map[string]string{"temperature": "thermal_beta"}))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	tr, _ := New(e)
	doc := parse(t, `<model><id>m1</id><pressure>1.5</pressure><temperature>300</temperature><velocity>9</velocity><flux>4</flux></model>`)

	res, err := tr.Transform(context.Background(), doc, newSession(t), 0)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	tags := document.Tags(res.Document)
	want := []string{"doc", "id", "metric_alpha", "thermal_beta", "kinematic_gamma", "flux"}
	if strings.Join(tags, ",") != strings.Join(want, ",") {
		t.Errorf("expected tags %v, got %v", want, tags)
	}
	if len(res.Stats.Unshadowed) != 1 || res.Stats.Unshadowed[0] != "flux" {
		t.Errorf("expected flux reported as unshadowed, got %v", res.Stats.Unshadowed)
	}
	out := render(t, res.Document)
	for _, v := range []string{"1.5", ">300<", ">9<", ">4<"} {
		if strings.Contains(out, v) {
			t.Errorf("global masking leaked %q: %s", v, out)
		}
	}
	if res.Document.Find("id").Text != "m1" {
		t.Error("explicitly preserved value was masked")
	}
}

func TestAllOrNothing(t *testing.T) {
	doc := parse(t, `<r><a>1</a><b>2</b><c>3</c></r>`)
	p := &policy.Policy{GlobalMasking: true}

	t.Run("token failure", func(t *testing.T) {
		calls := 0
		boom := errors.New("entropy unavailable")
		tokens := vault.TokenFunc(func() (string, error) {
			calls++
			if calls == 3 {
				return "", boom
			}
			return vault.RandomTokens().Token()
		})
		tr := newTransformer(t, p, WithTokens(tokens))
		session := newSession(t)
		if _, err := tr.Transform(context.Background(), doc, session, 0); !errors.Is(err, boom) {
			t.Fatalf("expected token error, got %v", err)
		}
		if session.Len() != 0 {
			t.Errorf("expected no committed entries, got %d", session.Len())
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		session := newSession(t)
		if _, err := newTransformer(t, p).Transform(ctx, doc, session, 0); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if session.Len() != 0 {
			t.Error("cancelled transform committed entries")
		}
	})

	t.Run("collisions exhaust", func(t *testing.T) {
		fixed := vault.TokenFunc(func() (string, error) { return "0123456789abcdef0123456789abcdef", nil })
		session := newSession(t)
		_, err := newTransformer(t, p, WithTokens(fixed)).Transform(context.Background(), doc, session, 0)
		if !errors.Is(err, vault.ErrTokenExhausted) {
			t.Fatalf("expected ErrTokenExhausted, got %v", err)
		}
		if session.Len() != 0 {
			t.Error("failed transform committed entries")
		}
	})
}

func TestUniquePlaceholders(t *testing.T) {
	var b strings.Builder
	b.WriteString("<r>")
	for i := 0; i < 200; i++ {
		b.WriteString("<v>5</v>")
	}
	b.WriteString("</r>")
	tr := newTransformer(t, &policy.Policy{GlobalMasking: true})
	session := newSession(t)
	res, err := tr.Transform(context.Background(), parse(t, b.String()), session, 0)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, c := range res.Document.Children {
		if seen[c.Text] {
			t.Fatalf("duplicate placeholder %s", c.Text)
		}
		seen[c.Text] = true
	}
	if session.Len() != 200 {
		t.Errorf("expected 200 entries, got %d", session.Len())
	}
}

func TestNewRejectsBadPrefix(t *testing.T) {
	e, _ := policy.NewEngine(&policy.Policy{})
	if _, err := New(e, WithPrefix("bad-prefix")); err == nil {
		t.Error("expected invalid prefix error")
	}
	if _, err := New(nil); err == nil {
		t.Error("expected missing engine error")
	}
}

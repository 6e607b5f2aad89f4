package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/document"
)

func mustEngine(t *testing.T, p *Policy, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(p, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestResolve(t *testing.T) {
	p := &Policy{
		Version: "1.0",
		Rules: []Rule{
			{TagPattern: "metadata/id", Action: ActionPreserve},
			{TagPattern: "pressure", Action: ActionMaskValue},
			{TagPattern: "/model/element", Action: ActionShuffleSiblings, Params: ShuffleParams{SeedSalt: "s"}},
			{TagPattern: "secret/**", Action: ActionRedact},
			{TagPattern: "id", Action: ActionMaskValue},
			{TagPattern: "temp*", Action: ActionMaskValue},
		},
	}
	e := mustEngine(t, p)

	cases := []struct {
		path   string
		action Action
		rule   int
	}{
		{"model/metadata/id", ActionPreserve, 0},
		{"model/element/id", ActionMaskValue, 4},
		{"model/element/pressure", ActionMaskValue, 1},
		{"model/element", ActionShuffleSiblings, 2},
		{"root/model/element", ActionPreserve, -1},
		{"model/secret/a/b", ActionRedact, 3},
		{"model/secret", ActionRedact, 3},
		{"model/element/temperature", ActionMaskValue, 5},
		{"model/other", ActionPreserve, -1},
	}
	for _, tc := range cases {
		got := e.Resolve(strings.Split(tc.path, "/"))
		if got.Action != tc.action || got.Rule != tc.rule {
			t.Errorf("%s: expected %s (rule %d), got %s (rule %d)", tc.path, tc.action, tc.rule, got.Action, got.Rule)
		}
	}

	res := e.Resolve([]string{"model", "element"})
	if sp, ok := res.Params.(ShuffleParams); !ok || sp.SeedSalt != "s" {
		t.Errorf("expected shuffle params to be attached, got %#v", res.Params)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	e := mustEngine(t, &Policy{Rules: []Rule{
		{TagPattern: "value", Action: ActionRedact},
		{TagPattern: "value", Action: ActionPreserve},
	}})
	if got := e.Resolve([]string{"root", "value"}); got.Action != ActionRedact {
		t.Errorf("expected first rule to win, got %s", got.Action)
	}
}

func TestResolveDefault(t *testing.T) {
	t.Run("GlobalMaskingOn", func(t *testing.T) {
		e := mustEngine(t, &Policy{GlobalMasking: true})
		got := e.Resolve([]string{"anything"})
		if got.Action != ActionMaskValue || got.Explicit() {
			t.Errorf("expected default mask_value, got %+v", got)
		}
	})
	t.Run("GlobalMaskingOff", func(t *testing.T) {
		e := mustEngine(t, &Policy{})
		if got := e.Resolve([]string{"anything"}); got.Action != ActionPreserve {
			t.Errorf("expected default preserve, got %s", got.Action)
		}
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]*Policy{
		"empty pattern":   {Rules: []Rule{{TagPattern: " ", Action: ActionPreserve}}},
		"unknown action":  {Rules: []Rule{{TagPattern: "a", Action: "encrypt"}}},
		"wrong params":    {Rules: []Rule{{TagPattern: "a", Action: ActionRedact, Params: MaskParams{}}}},
		"bad glob":        {Rules: []Rule{{TagPattern: "a/[b", Action: ActionPreserve}}},
		"empty segment":   {Rules: []Rule{{TagPattern: "a//b", Action: ActionPreserve}}},
		"bad shadow name": {Rules: []Rule{{TagPattern: "a", Action: ActionPreserve, Params: PreserveParams{ShadowAs: "1bad"}}}},
		"bad prefix":      {Rules: []Rule{{TagPattern: "a", Action: ActionMaskValue, Params: MaskParams{PlaceholderPrefix: "V-"}}}},
		"non-injective":   {ShadowMap: map[string]string{"pressure": "metric", "temperature": "metric"}},
		"rule collides":   {ShadowMap: map[string]string{"pressure": "metric"}, Rules: []Rule{{TagPattern: "force", Action: ActionMaskValue, Params: MaskParams{ShadowAs: "metric"}}}},
		"glob shadow":     {Rules: []Rule{{TagPattern: "p*", Action: ActionMaskValue, Params: MaskParams{ShadowAs: "metric"}}}},
		"path shadow":     {Rules: []Rule{{TagPattern: "model/pressure", Action: ActionPreserve, Params: PreserveParams{ShadowAs: "metric"}}}},
		"generic is tag":  {ShadowMap: map[string]string{"pressure": "temperature", "temperature": "thermal"}},
		"generic is rule": {ShadowMap: map[string]string{"pressure": "flux"}, Rules: []Rule{{TagPattern: "flux", Action: ActionPreserve}}},
	}
	for name, p := range cases {
		err := Validate(p)
		if err == nil {
			t.Errorf("%s: expected validation error", name)
			continue
		}
		if !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("%s: expected ErrInvalidPolicy, got %v", name, err)
		}
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("%s: expected *ConfigError, got %T", name, err)
		}
	}

	ok := &Policy{
		ShadowMap: map[string]string{"pressure": "metric_alpha"},
		Rules:     []Rule{{TagPattern: "pressure", Action: ActionMaskValue, Params: MaskParams{ShadowAs: "metric_alpha"}}},
	}
	if err := Validate(ok); err != nil {
		t.Errorf("same source shadowing twice should be accepted: %v", err)
	}

	_, err := NewEngine(&Policy{Rules: []Rule{{TagPattern: "a/[b", Action: ActionPreserve}}})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected NewEngine to reject a malformed glob, got %v", err)
	}

	_, err = NewEngine(&Policy{Rules: []Rule{{TagPattern: "p*", Action: ActionMaskValue, Params: MaskParams{ShadowAs: "metric"}}}})
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "parameters.shadow_as" {
		t.Errorf("expected shadow_as on a glob to be rejected, got %v", err)
	}
	_, err = NewEngine(&Policy{ShadowMap: map[string]string{"pressure": "metric"}}, WithDefaultShadows(map[string]string{"metric": "value"}))
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected generic name colliding with a shadowed tag to be rejected, got %v", err)
	}
}

func TestShadowName(t *testing.T) {
	p := &Policy{
		ShadowMap: map[string]string{"pressure": "metric_alpha"},
		Rules: []Rule{
			{TagPattern: "velocity", Action: ActionMaskValue, Params: MaskParams{ShadowAs: "kinematic_gamma"}},
		},
	}
	e := mustEngine(t, p, WithDefaultShadows(map[string]string{"pressure": "ignored", "coordinates": "spatial_delta"}))

	check := func(tag, want string, wantOK bool) {
		t.Helper()
		got, ok := e.ShadowName(tag, e.Resolve([]string{"root", tag}))
		if got != want || ok != wantOK {
			t.Errorf("%s: expected (%s,%v), got (%s,%v)", tag, want, wantOK, got, ok)
		}
	}
	check("velocity", "kinematic_gamma", true)
	check("pressure", "metric_alpha", true)
	check("coordinates", "spatial_delta", true)
	check("element", "element", false)

	_, err := NewEngine(p, WithDefaultShadows(map[string]string{"force": "metric_alpha"}))
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected collision between defaults and policy map, got %v", err)
	}
}

func TestLoadSave(t *testing.T) {
	p := &Policy{
		Version:       "1.0",
		GlobalMasking: true,
		ShadowMap:     map[string]string{"pressure": "metric_alpha"},
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Rules: []Rule{
			{TagPattern: "pressure", Action: ActionMaskValue, Params: MaskParams{PlaceholderPrefix: "P_"}},
			{TagPattern: "element", Action: ActionShuffleSiblings, Params: ShuffleParams{ChildTag: "node"}},
			{TagPattern: "metadata/id", Action: ActionPreserve},
			{TagPattern: "notes", Action: ActionRedact, Params: RedactParams{KeepMarker: true}},
		},
	}

	for _, name := range []string{"policy.json", "policy.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := Save(p, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got.Version != p.Version || got.GlobalMasking != p.GlobalMasking || !got.CreatedAt.Equal(p.CreatedAt) {
				t.Errorf("header mismatch: %+v", got)
			}
			if len(got.Rules) != len(p.Rules) {
				t.Fatalf("expected %d rules, got %d", len(p.Rules), len(got.Rules))
			}
			for i := range p.Rules {
				if got.Rules[i] != p.Rules[i] {
					t.Errorf("rule %d: expected %+v, got %+v", i, p.Rules[i], got.Rules[i])
				}
			}
			if got.ShadowMap["pressure"] != "metric_alpha" {
				t.Errorf("shadow map lost: %v", got.ShadowMap)
			}
		})
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "locked.yaml")
	p := &Policy{Version: "2.1", Rules: []Rule{
		{TagPattern: "pressure", Action: ActionMaskValue},
		{TagPattern: "notes", Action: ActionRedact},
	}}
	if err := Save(p, active); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := List(dir, active)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 policies, got %+v", infos)
	}
	if infos[0].Name != "broken.json" || infos[0].Error == "" || infos[0].Active {
		t.Errorf("unexpected broken entry %+v", infos[0])
	}
	got := infos[1]
	if !got.Active || got.Version != "2.1" || got.Rules != 2 || got.Actions[ActionRedact] != 1 {
		t.Errorf("unexpected active entry %+v", got)
	}

	t.Run("missing directory", func(t *testing.T) {
		infos, err := List(filepath.Join(dir, "nope"), "")
		if err != nil || len(infos) != 0 {
			t.Errorf("expected empty list, got %v %v", infos, err)
		}
	})
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown action": `{"rules":[{"tag_pattern":"a","action":"shred"}]}`,
		"empty pattern":  `{"rules":[{"tag_pattern":"","action":"preserve"}]}`,
		"unknown param":  `{"rules":[{"tag_pattern":"a","action":"redact","parameters":{"child_tag":"x"}}]}`,
		"param type":     `{"rules":[{"tag_pattern":"a","action":"redact","parameters":{"keep_marker":"yes"}}]}`,
		"unknown field":  `{"rulez":[]}`,
		"not json":       `{`,
	}
	for name, in := range cases {
		if _, err := Parse([]byte(in), false); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("%s: expected ErrInvalidPolicy, got %v", name, err)
		}
	}

	yamlCases := map[string]string{
		"misspelled key":   "global_maskng: true\n",
		"unknown rule key": "rules:\n  - tag_pattern: a\n    action: preserve\n    shadow: x\n",
	}
	for name, in := range yamlCases {
		if _, err := Parse([]byte(in), true); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("%s: expected ErrInvalidPolicy, got %v", name, err)
		}
	}

	p, err := Parse([]byte("version: \"2\"\nrules:\n  - tag_pattern: pressure\n    action: mask_value\n"), true)
	if err != nil {
		t.Fatalf("YAML parse failed: %v", err)
	}
	if p.Version != "2" || p.Rules[0].Action != ActionMaskValue {
		t.Errorf("unexpected YAML policy %+v", p)
	}
}

func TestScan(t *testing.T) {
	root, err := document.ParseXMLString(`<model>
  <metadata><id>m-1</id><type>thermal_analysis</type></metadata>
  <element id="e1"><pressure>123.45</pressure><temperature>500.0</temperature></element>
  <element id="e2"><pressure>1.0</pressure><count>7</count></element>
</model>`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	p := Scan(root)
	if err := Validate(p); err != nil {
		t.Fatalf("scanned policy is invalid: %v", err)
	}

	byTag := make(map[string][]Action)
	for _, r := range p.Rules {
		byTag[r.TagPattern] = append(byTag[r.TagPattern], r.Action)
	}
	expect := map[string]Action{
		"pressure":    ActionMaskValue,
		"temperature": ActionMaskValue,
		"count":       ActionMaskValue,
		"id":          ActionPreserve,
		"type":        ActionPreserve,
		"model":       ActionShuffleSiblings,
	}
	for tag, action := range expect {
		if len(byTag[tag]) != 1 || byTag[tag][0] != action {
			t.Errorf("%s: expected [%s], got %v", tag, action, byTag[tag])
		}
	}
	for _, r := range p.Rules {
		if r.Action == ActionShuffleSiblings {
			if sp, _ := r.Params.(ShuffleParams); sp.ChildTag != "element" {
				t.Errorf("expected shuffle restricted to element, got %+v", r.Params)
			}
		}
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	if err := Save(&Policy{Version: "1"}, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Engine, 4)
	if err := Watch(ctx, path, zap.NewNop(), func(e *Engine) { changes <- e }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// An invalid edit is ignored.
	if err := os.WriteFile(path, []byte(`{"rules":[{"tag_pattern":"","action":"preserve"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Save(&Policy{Version: "2", GlobalMasking: true}, path); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-changes:
			if e.Policy().Version == "2" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for policy reload")
		}
	}
}

package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// policyDoc is the on-disk representation shared by JSON and YAML.
type policyDoc struct {
	Version       string            `json:"version" yaml:"version"`
	GlobalMasking bool              `json:"global_masking" yaml:"global_masking"`
	Rules         []ruleDoc         `json:"rules" yaml:"rules"`
	ShadowMap     map[string]string `json:"shadow_map,omitempty" yaml:"shadow_map,omitempty"`
	CreatedAt     string            `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

type ruleDoc struct {
	TagPattern string         `json:"tag_pattern" yaml:"tag_pattern"`
	Action     string         `json:"action" yaml:"action"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Load reads and validates a policy file. The format follows the extension:
// .yaml and .yml are YAML, anything else is JSON.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data, isYAML(path))
}

// Parse decodes policy bytes and validates the result.
func Parse(data []byte, asYAML bool) (*Policy, error) {
	var doc policyDoc
	if asYAML {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ConfigError{Rule: -1, Field: "document", Err: err}
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, &ConfigError{Rule: -1, Field: "document", Err: err}
		}
	}

	p, err := doc.toPolicy()
	if err != nil {
		return nil, err
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Save writes p to path in the format implied by its extension.
func Save(p *Policy, path string) error {
	doc := fromPolicy(p)

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (d *policyDoc) toPolicy() (*Policy, error) {
	p := &Policy{
		Version:       d.Version,
		GlobalMasking: d.GlobalMasking,
		ShadowMap:     d.ShadowMap,
		Rules:         make([]Rule, 0, len(d.Rules)),
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	if d.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
		if err != nil {
			return nil, &ConfigError{Rule: -1, Field: "created_at", Err: err}
		}
		p.CreatedAt = ts
	}

	for i, rd := range d.Rules {
		action := Action(rd.Action)
		if !action.Valid() {
			return nil, ruleError(i, "action", "unknown action %q", rd.Action)
		}
		params, err := decodeParams(action, rd.Parameters)
		if err != nil {
			return nil, ruleError(i, "parameters", "%v", err)
		}
		p.Rules = append(p.Rules, Rule{TagPattern: rd.TagPattern, Action: action, Params: params})
	}
	return p, nil
}

func fromPolicy(p *Policy) policyDoc {
	doc := policyDoc{
		Version:       p.Version,
		GlobalMasking: p.GlobalMasking,
		ShadowMap:     p.ShadowMap,
		Rules:         make([]ruleDoc, 0, len(p.Rules)),
	}
	if !p.CreatedAt.IsZero() {
		doc.CreatedAt = p.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, r := range p.Rules {
		doc.Rules = append(doc.Rules, ruleDoc{
			TagPattern: r.TagPattern,
			Action:     string(r.Action),
			Parameters: encodeParams(r.Params),
		})
	}
	return doc
}

// decodeParams maps the loose parameters object onto the action's variant.
func decodeParams(action Action, raw map[string]any) (Params, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	r := paramReader{raw: raw}

	var p Params
	switch action {
	case ActionPreserve:
		p = PreserveParams{ShadowAs: r.str("shadow_as")}
	case ActionRedact:
		p = RedactParams{KeepMarker: r.boolean("keep_marker")}
	case ActionMaskValue:
		p = MaskParams{PlaceholderPrefix: r.str("placeholder_prefix"), ShadowAs: r.str("shadow_as")}
	case ActionShuffleSiblings:
		p = ShuffleParams{SeedSalt: r.str("seed_salt"), ChildTag: r.str("child_tag")}
	}
	if r.err != nil {
		return nil, r.err
	}
	if extra := r.unused(); len(extra) > 0 {
		return nil, fmt.Errorf("unknown parameters for %s: %s", action, strings.Join(extra, ", "))
	}
	return p, nil
}

func encodeParams(p Params) map[string]any {
	m := make(map[string]any)
	switch v := p.(type) {
	case PreserveParams:
		putStr(m, "shadow_as", v.ShadowAs)
	case RedactParams:
		if v.KeepMarker {
			m["keep_marker"] = true
		}
	case MaskParams:
		putStr(m, "placeholder_prefix", v.PlaceholderPrefix)
		putStr(m, "shadow_as", v.ShadowAs)
	case ShuffleParams:
		putStr(m, "seed_salt", v.SeedSalt)
		putStr(m, "child_tag", v.ChildTag)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func putStr(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}

type paramReader struct {
	raw  map[string]any
	used map[string]bool
	err  error
}

func (r *paramReader) mark(k string) (any, bool) {
	if r.used == nil {
		r.used = make(map[string]bool)
	}
	r.used[k] = true
	v, ok := r.raw[k]
	return v, ok
}

func (r *paramReader) str(k string) string {
	v, ok := r.mark(k)
	if !ok || v == nil {
		return ""
	}
	s, isStr := v.(string)
	if !isStr && r.err == nil {
		r.err = fmt.Errorf("%s must be a string", k)
	}
	return s
}

func (r *paramReader) boolean(k string) bool {
	v, ok := r.mark(k)
	if !ok || v == nil {
		return false
	}
	b, isBool := v.(bool)
	if !isBool && r.err == nil {
		r.err = fmt.Errorf("%s must be a boolean", k)
	}
	return b
}

func (r *paramReader) unused() []string {
	var out []string
	for k := range r.raw {
		if !r.used[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

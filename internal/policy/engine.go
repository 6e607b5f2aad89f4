package policy

// Resolved is the outcome of matching one node against the policy.
type Resolved struct {
	Action Action
	Params Params
	Rule   int // index of the matching rule, -1 when the default applied
}

// Explicit reports whether a rule, rather than the default, decided res.
func (res Resolved) Explicit() bool {
	return res.Rule >= 0
}

// Engine is a validated, compiled policy. It is immutable and safe for
// concurrent use.
type Engine struct {
	policy   *Policy
	patterns []*pattern
	shadows  map[string]string
}

// Option customizes engine construction.
type Option func(*Engine)

// WithDefaultShadows supplies a deployment-wide shadow map. Entries defined in
// the policy itself take precedence; the merged map must stay injective.
func WithDefaultShadows(m map[string]string) Option {
	return func(e *Engine) {
		for k, v := range m {
			if _, ok := e.shadows[k]; !ok {
				e.shadows[k] = v
			}
		}
	}
}

// NewEngine validates p and compiles its patterns.
func NewEngine(p *Policy, opts ...Option) (*Engine, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	e := &Engine{
		policy:   p,
		patterns: make([]*pattern, len(p.Rules)),
		shadows:  make(map[string]string, len(p.ShadowMap)),
	}
	for k, v := range p.ShadowMap {
		e.shadows[k] = v
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.shadows) != len(p.ShadowMap) {
		merged := *p
		merged.ShadowMap = e.shadows
		if err := validateShadowing(&merged); err != nil {
			return nil, err
		}
	}
	for i, r := range p.Rules {
		pat, err := compilePattern(r.TagPattern)
		if err != nil {
			return nil, &ConfigError{Rule: i, Field: "tag_pattern", Err: err}
		}
		e.patterns[i] = pat
	}
	return e, nil
}

// Policy returns the policy the engine was built from.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// Resolve returns the single action for the node at the end of path, which
// lists tag names from the root down to the node.
func (e *Engine) Resolve(path []string) Resolved {
	for i, pat := range e.patterns {
		if pat.match(path) {
			r := e.policy.Rules[i]
			return Resolved{Action: r.Action, Params: r.Params, Rule: i}
		}
	}
	return Resolved{Action: e.policy.DefaultAction(), Rule: -1}
}

// ShadowName returns the generic name for tag. A shadow name on the matching
// rule wins over the shadow map. ok is false when the tag keeps its
// proprietary name.
func (e *Engine) ShadowName(tag string, res Resolved) (string, bool) {
	if res.Rule >= 0 {
		if s := e.policy.Rules[res.Rule].ShadowAs(); s != "" {
			return s, true
		}
	}
	if s, ok := e.shadows[tag]; ok {
		return s, true
	}
	return tag, false
}

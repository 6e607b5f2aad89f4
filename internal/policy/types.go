// Package policy decides, for every node of a document, which anonymization
// action the gatekeeper applies. Rules are evaluated in declaration order and
// the first match wins; when nothing matches the policy's global masking flag
// picks the default.
package policy

import "time"

// Action is the closed set of per-node treatments.
type Action string

const (
	// ActionPreserve leaves the node as is and recurses into its children.
	ActionPreserve Action = "preserve"
	// ActionRedact removes the node's content and its subtree.
	ActionRedact Action = "redact"
	// ActionMaskValue swaps scalar text for a vault placeholder.
	ActionMaskValue Action = "mask_value"
	// ActionShuffleSiblings permutes the node's children.
	ActionShuffleSiblings Action = "shuffle_siblings"
)

// Valid reports whether a belongs to the closed action set.
func (a Action) Valid() bool {
	switch a {
	case ActionPreserve, ActionRedact, ActionMaskValue, ActionShuffleSiblings:
		return true
	}
	return false
}

// Params carries the action-specific settings of a rule. Each action accepts
// exactly one concrete type.
type Params interface {
	action() Action
}

// PreserveParams configures ActionPreserve.
type PreserveParams struct {
	ShadowAs string // optional generic tag name
}

// RedactParams configures ActionRedact.
type RedactParams struct {
	KeepMarker bool // keep an empty element in place of the subtree
}

// MaskParams configures ActionMaskValue.
type MaskParams struct {
	PlaceholderPrefix string // overrides the configured placeholder prefix
	ShadowAs          string
}

// ShuffleParams configures ActionShuffleSiblings.
type ShuffleParams struct {
	SeedSalt string // mixed into the per-parent permutation seed
	ChildTag string // restrict the permutation to children with this tag
}

func (PreserveParams) action() Action { return ActionPreserve }
func (RedactParams) action() Action   { return ActionRedact }
func (MaskParams) action() Action     { return ActionMaskValue }
func (ShuffleParams) action() Action  { return ActionShuffleSiblings }

// Rule binds a tag pattern to an action. A pattern is either an exact tag
// name or a slash-separated path glob.
type Rule struct {
	TagPattern string
	Action     Action
	Params     Params
}

// ShadowAs returns the generic tag name configured on the rule, if any.
func (r Rule) ShadowAs() string {
	switch p := r.Params.(type) {
	case PreserveParams:
		return p.ShadowAs
	case MaskParams:
		return p.ShadowAs
	}
	return ""
}

// Policy is an ordered rule list plus defaults.
type Policy struct {
	Version       string
	GlobalMasking bool
	Rules         []Rule
	ShadowMap     map[string]string // proprietary tag -> generic tag
	CreatedAt     time.Time
}

// DefaultAction is the action applied when no rule matches.
func (p *Policy) DefaultAction() Action {
	if p.GlobalMasking {
		return ActionMaskValue
	}
	return ActionPreserve
}

// CountByAction tallies rules per action.
func (p *Policy) CountByAction() map[Action]int {
	counts := make(map[Action]int)
	for _, r := range p.Rules {
		counts[r.Action]++
	}
	return counts
}

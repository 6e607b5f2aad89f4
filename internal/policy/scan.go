package policy

import (
	"regexp"
	"strings"
	"time"

	"github.com/raaihank/moltshield/internal/document"
)

var (
	sensitiveKeywords  = []string{"pressure", "temperature", "velocity", "coord", "val", "force", "stress"}
	identifierTags     = map[string]bool{"id": true, "type": true, "name": true, "uuid": true, "ref": true}
	numericTextPattern = regexp.MustCompile(`^-?\d+(\.\d*)?([eE][-+]?\d+)?$`)
)

// Scan inspects a sample document and proposes a policy:
//   - tags named after a physical quantity, or leaves holding numeric text,
//     get mask_value
//   - identifier-like tags get preserve
//   - parents with two or more children of the same tag get shuffle_siblings
//     restricted to that child tag
//
// The result is meant to be reviewed and locked by an operator.
func Scan(root *document.Node) *Policy {
	var (
		rules    []Rule
		seen     = make(map[string]bool)
		shuffled = make(map[string]bool)
	)

	document.Walk(root, func(_ []string, n *document.Node) bool {
		tag := n.Tag
		lower := strings.ToLower(tag)

		switch {
		case seen[tag]:
		case identifierTags[lower]:
			rules = append(rules, Rule{TagPattern: tag, Action: ActionPreserve})
			seen[tag] = true
		case containsAny(lower, sensitiveKeywords):
			rules = append(rules, Rule{TagPattern: tag, Action: ActionMaskValue})
			seen[tag] = true
		case n.IsLeaf() && numericTextPattern.MatchString(n.Text):
			rules = append(rules, Rule{TagPattern: tag, Action: ActionMaskValue})
			seen[tag] = true
		}

		counts := make(map[string]int)
		var order []string
		for _, c := range n.Children {
			if counts[c.Tag] == 0 {
				order = append(order, c.Tag)
			}
			counts[c.Tag]++
		}
		for _, child := range order {
			key := tag + "/" + child
			if counts[child] < 2 || shuffled[key] {
				continue
			}
			shuffled[key] = true
			rules = append(rules, Rule{
				TagPattern: tag,
				Action:     ActionShuffleSiblings,
				Params:     ShuffleParams{ChildTag: child},
			})
		}
		return true
	})

	return &Policy{
		Version:   "1.0",
		Rules:     rules,
		CreatedAt: time.Now().UTC(),
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

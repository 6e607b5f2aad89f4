// Package vault stores the placeholder-to-original mappings produced by the
// gatekeeper. A vault session is append-only: entries are written once, never
// mutated, and never pruned by this package.
package vault

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultPrefix is the placeholder prefix used when neither configuration nor
// policy supplies one.
const DefaultPrefix = "VAL_"

// MinTokenLength is the shortest token accepted as a placeholder. Tokens
// minted here are 32 characters; shorter ones come from older vaults.
const MinTokenLength = 12

var (
	prefixPattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*_$`)
	tokenPattern     = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Entry maps one placeholder to the value it replaced.
type Entry struct {
	Placeholder   string    `json:"placeholder"`
	OriginalValue string    `json:"original_value"`
	CreatedAt     time.Time `json:"created_at"`
}

// ValidPrefix reports whether s can prefix placeholders: a letter, then
// letters or digits, ending in an underscore.
func ValidPrefix(s string) bool {
	return prefixPattern.MatchString(s)
}

// SplitPlaceholder separates a placeholder into prefix and token.
func SplitPlaceholder(s string) (prefix, token string, ok bool) {
	i := strings.LastIndexByte(s, '_')
	if i < 0 {
		return "", "", false
	}
	prefix, token = s[:i+1], s[i+1:]
	if !ValidPrefix(prefix) || len(token) < MinTokenLength || !tokenPattern.MatchString(token) {
		return "", "", false
	}
	return prefix, token, true
}

// IsPlaceholder reports whether s is syntactically a placeholder.
func IsPlaceholder(s string) bool {
	_, _, ok := SplitPlaceholder(s)
	return ok
}

// PlaceholderPattern returns a regexp matching placeholder candidates with
// any of the given prefixes as whole words. It is looser than IsPlaceholder:
// any non-empty token is a candidate, so that references to unknown or
// truncated placeholders surface as misses instead of passing silently. An
// empty list means DefaultPrefix.
func PlaceholderPattern(prefixes ...string) *regexp.Regexp {
	if len(prefixes) == 0 {
		prefixes = []string{DefaultPrefix}
	}
	quoted := make([]string, 0, len(prefixes))
	seen := make(map[string]bool)
	for _, p := range prefixes {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	// Longest first so that overlapping prefixes prefer the most specific.
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)[A-Za-z0-9]+\b`)
}

// ValidateSessionID rejects ids that could escape a storage namespace.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return &SessionError{ID: id, Err: ErrInvalidSession}
	}
	return nil
}

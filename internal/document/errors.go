package document

import (
	"errors"
	"fmt"
)

// ErrParse indicates that an input document could not be parsed.
var ErrParse = errors.New("document parse failed")

// ParseError describes why a document was rejected.
type ParseError struct {
	Format string // "xml" or "json"
	Offset int64  // byte offset reported by the decoder, -1 if unknown
	Err    error
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: invalid %s at offset %d: %v", ErrParse, e.Format, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: invalid %s: %v", ErrParse, e.Format, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

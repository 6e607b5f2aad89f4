package document

import (
	"encoding/json"
	"errors"
	"io"
)

// ParseJSON decodes a single JSON value. Numbers are kept as json.Number so
// that re-encoding does not alter their textual form.
func ParseJSON(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ParseError{Format: "json", Offset: dec.InputOffset(), Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &ParseError{Format: "json", Offset: dec.InputOffset(), Err: errors.New("trailing data after value")}
	}
	return v, nil
}

// WriteJSON encodes v with two-space indentation and without HTML escaping.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

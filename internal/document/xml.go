package document

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseXML reads a single-rooted XML document. Comments, processing
// instructions and directives are dropped. Character data before an
// element's first child goes to its Text, character data after a child goes
// to that child's Tail. Both are trimmed.
func ParseXML(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true

	var (
		root  *Node
		stack []*Node
		// text[i] collects the character data currently being read inside
		// stack[i]: its leading text, or the tail of its last child.
		text []*strings.Builder
	)

	fail := func(err error) (*Node, error) {
		return nil, &ParseError{Format: "xml", Offset: dec.InputOffset(), Err: err}
	}

	// flush stores the pending character data of stack[i].
	flush := func(i int) {
		n := stack[i]
		s := strings.TrimSpace(text[i].String())
		text[i].Reset()
		if len(n.Children) == 0 {
			n.Text = s
		} else {
			n.Children[len(n.Children)-1].Tail = s
		}
	}

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 && root != nil {
				return fail(errors.New("multiple root elements"))
			}
			n := &Node{Tag: t.Name.Local, Space: t.Name.Space}
			for _, a := range t.Attr {
				n.Attrs = append(n.Attrs, Attr{Space: a.Name.Space, Name: a.Name.Local, Value: a.Value})
			}
			if len(stack) == 0 {
				root = n
			} else {
				flush(len(stack) - 1)
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
			text = append(text, &strings.Builder{})

		case xml.EndElement:
			if len(stack) == 0 {
				return fail(fmt.Errorf("unexpected end element </%s>", t.Name.Local))
			}
			top := stack[len(stack)-1]
			if top.Tag != t.Name.Local || top.Space != t.Name.Space {
				return fail(fmt.Errorf("element <%s> closed by </%s>", top.QName(), qname(t.Name)))
			}
			flush(len(stack) - 1)
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]

		case xml.CharData:
			if len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return fail(errors.New("character data outside root element"))
				}
				continue
			}
			text[len(text)-1].Write(t)
		}
	}

	if len(stack) > 0 {
		return fail(fmt.Errorf("unclosed element <%s>", stack[len(stack)-1].QName()))
	}
	if root == nil {
		return fail(errors.New("empty document"))
	}
	return root, nil
}

// CheckXML reports whether r holds well-formed XML content. Unlike ParseXML
// it accepts fragments: several top-level elements and top-level text.
func CheckXML(r io.Reader) error {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	for {
		_, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &ParseError{Format: "xml", Offset: dec.InputOffset(), Err: err}
		}
	}
}

// ParseXMLString is a convenience wrapper around ParseXML.
func ParseXMLString(s string) (*Node, error) {
	return ParseXML(strings.NewReader(s))
}

func qname(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// WriteXML serializes the tree with a UTF-8 declaration. A non-empty indent
// pretty-prints one element per line.
func WriteXML(w io.Writer, n *Node, indent string) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(xml.Header)
	if err := writeNode(bw, n, indent, 0); err != nil {
		return err
	}
	if indent != "" {
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// MarshalXML renders the tree without a declaration or indentation.
func MarshalXML(n *Node) (string, error) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := writeNode(bw, n, "", 0); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeNode(w *bufio.Writer, n *Node, indent string, depth int) error {
	if indent != "" && depth > 0 {
		w.WriteByte('\n')
		w.WriteString(strings.Repeat(indent, depth))
	}
	w.WriteByte('<')
	w.WriteString(n.QName())
	for _, a := range n.Attrs {
		w.WriteByte(' ')
		w.WriteString(a.QName())
		w.WriteString(`="`)
		if err := xml.EscapeText(w, []byte(a.Value)); err != nil {
			return err
		}
		w.WriteByte('"')
	}
	if n.Text == "" && len(n.Children) == 0 {
		w.WriteString("/>")
		return nil
	}
	w.WriteByte('>')
	if n.Text != "" {
		if err := xml.EscapeText(w, []byte(n.Text)); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := writeNode(w, c, indent, depth+1); err != nil {
			return err
		}
		if c.Tail != "" {
			if err := xml.EscapeText(w, []byte(c.Tail)); err != nil {
				return err
			}
		}
	}
	if indent != "" && len(n.Children) > 0 {
		w.WriteByte('\n')
		w.WriteString(strings.Repeat(indent, depth))
	}
	w.WriteString("</")
	w.WriteString(n.QName())
	w.WriteByte('>')
	return nil
}

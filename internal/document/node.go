// Package document holds the ordered element tree that the gatekeeper
// transforms, plus XML and JSON codecs for the artifacts that cross the
// trust boundary.
package document

import "strings"

// Attr is a single element attribute. Space carries the raw namespace prefix.
type Attr struct {
	Space string
	Name  string
	Value string
}

// QName returns the prefixed attribute name as written in the source.
func (a Attr) QName() string {
	if a.Space == "" {
		return a.Name
	}
	return a.Space + ":" + a.Name
}

// Node is one element of a document tree. Sibling order in Children is
// significant. Text is the character data before the first child; Tail is
// the character data that follows the element inside its parent.
type Node struct {
	Tag      string
	Space    string
	Attrs    []Attr
	Text     string
	Tail     string
	Children []*Node
}

// QName returns the prefixed tag name as written in the source.
func (n *Node) QName() string {
	if n.Space == "" {
		return n.Tag
	}
	return n.Space + ":" + n.Tag
}

// IsLeaf reports whether the node has no element children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Attr returns the value of the attribute with the given local name.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Find returns the first child with the given local tag name.
func (n *Node) Find(tag string) *Node {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Tag:   n.Tag,
		Space: n.Space,
		Text:  n.Text,
		Tail:  n.Tail,
	}
	if len(n.Attrs) > 0 {
		out.Attrs = make([]Attr, len(n.Attrs))
		copy(out.Attrs, n.Attrs)
	}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Walk visits every node in document order. path holds the local tag names
// from the root down to and including the visited node; it is reused between
// calls and must be copied if retained. Returning false skips the subtree.
func Walk(n *Node, fn func(path []string, node *Node) bool) {
	if n == nil {
		return
	}
	walk(n, make([]string, 0, 16), fn)
}

func walk(n *Node, path []string, fn func([]string, *Node) bool) {
	path = append(path, n.Tag)
	if !fn(path, n) {
		return
	}
	for _, c := range n.Children {
		walk(c, path, fn)
	}
}

// Tags returns the distinct local tag names in the tree in first-seen order.
func Tags(n *Node) []string {
	seen := make(map[string]bool)
	var tags []string
	Walk(n, func(_ []string, node *Node) bool {
		if !seen[node.Tag] {
			seen[node.Tag] = true
			tags = append(tags, node.Tag)
		}
		return true
	})
	return tags
}

// PathString joins a tag path with "/".
func PathString(path []string) string {
	return strings.Join(path, "/")
}

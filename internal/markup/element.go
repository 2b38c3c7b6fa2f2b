package markup

import (
	"context"
	"log/slog"

	"golang.org/x/net/html"
)

// Transformer is the per-element hook of the pipeline. Implementations may
// rename an element, edit its attributes or mark it. They cannot reach the
// element's parent, siblings or children.
type Transformer interface {
	Transform(el *Element) error
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(el *Element) error

// Transform calls f(el).
func (f TransformerFunc) Transform(el *Element) error { return f(el) }

// Chain runs transformers in order, stopping at the first error.
type Chain []Transformer

// Transform implements Transformer.
func (c Chain) Transform(el *Element) error {
	for _, t := range c {
		if err := t.Transform(el); err != nil {
			return err
		}
	}
	return nil
}

// Identity leaves every element untouched and only logs visits at debug level.
type Identity struct {
	Logger *slog.Logger
}

// Transform implements Transformer.
func (i Identity) Transform(el *Element) error {
	if i.Logger != nil && i.Logger.Enabled(context.Background(), slog.LevelDebug) {
		i.Logger.Debug("visit element", "id", el.ID(), "name", el.Name(), "attrs", len(el.node.Attrs))
	}
	return nil
}

// Matcher selects parsed nodes. cascadia.Sel implements it.
type Matcher interface {
	Match(n *html.Node) bool
}

// Element is the view of one element node handed to a Transformer.
type Element struct {
	id   NodeID
	node *Node
}

// ID returns the element's arena index.
func (e *Element) ID() NodeID { return e.id }

// Name returns the current tag name.
func (e *Element) Name() string { return e.node.Name }

// Namespace returns the element namespace ("" for HTML).
func (e *Element) Namespace() string { return e.node.Namespace }

// SetName renames the element.
func (e *Element) SetName(name string) { e.node.Name = name }

// Attr returns the value of a non-namespaced attribute.
func (e *Element) Attr(key string) (string, bool) { return e.node.Attr(key) }

// Attrs returns a copy of the attributes in document order.
func (e *Element) Attrs() []Attr {
	out := make([]Attr, len(e.node.Attrs))
	copy(out, e.node.Attrs)
	return out
}

// SetAttr sets a non-namespaced attribute.
func (e *Element) SetAttr(key, val string) { e.node.SetAttr(key, val) }

// RemoveAttr deletes a non-namespaced attribute.
func (e *Element) RemoveAttr(key string) bool { return e.node.RemoveAttr(key) }

// Mark sets FlagMarked.
func (e *Element) Mark() { e.node.Flags |= FlagMarked }

// Marked reports whether FlagMarked is set.
func (e *Element) Marked() bool { return e.node.Flags&FlagMarked != 0 }

// Matches reports whether m selects this element. Selectors see the document
// as it was parsed, not edits made earlier in the same walk. Elements that
// were not produced by the parser never match.
func (e *Element) Matches(m Matcher) bool {
	if e.node.source == nil {
		return false
	}
	return m.Match(e.node.source)
}

package markup

import (
	"fmt"
	"io"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Injector edits the node tree produced from a Tree right before it is
// serialized. Unlike a Transformer an Injector may add, move or remove nodes;
// it is the only stage of the pipeline allowed to change the tree's shape.
type Injector func(doc *html.Node) error

// HTML rebuilds a parser node tree from the arena.
func (t *Tree) HTML() *html.Node {
	out := make([]*html.Node, len(t.nodes))
	_ = t.Walk(func(id NodeID, n *Node) error {
		hn := toHTML(n)
		out[id] = hn
		if p := n.parent; p != NoNode {
			out[p].AppendChild(hn)
		}
		return nil
	})
	return out[t.Root()]
}

func toHTML(n *Node) *html.Node {
	switch n.Kind {
	case DocumentNode:
		return &html.Node{Type: html.DocumentNode}
	case ElementNode:
		return &html.Node{
			Type:      html.ElementNode,
			Data:      n.Name,
			DataAtom:  atom.Lookup([]byte(n.Name)),
			Namespace: n.Namespace,
			Attr:      toHTMLAttrs(n.Attrs),
		}
	case TextNode:
		return &html.Node{Type: html.TextNode, Data: n.Data}
	case CommentNode:
		return &html.Node{Type: html.CommentNode, Data: n.Data}
	case DoctypeNode:
		return &html.Node{Type: html.DoctypeNode, Data: n.Name, Attr: toHTMLAttrs(n.Attrs)}
	default:
		panic(fmt.Sprintf("markup: cannot render %v node", n.Kind))
	}
}

func toHTMLAttrs(in []Attr) []html.Attribute {
	if len(in) == 0 {
		return nil
	}
	out := make([]html.Attribute, len(in))
	for i, a := range in {
		out[i] = html.Attribute{Namespace: a.Namespace, Key: a.Key, Val: a.Val}
	}
	return out
}

// Render serializes the tree to w after running inject in order.
func (t *Tree) Render(w io.Writer, inject ...Injector) error {
	doc := t.HTML()
	for _, fn := range inject {
		if err := fn(doc); err != nil {
			return fmt.Errorf("%w: inject: %w", ErrSerialize, err)
		}
	}
	if err := html.Render(w, doc); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialize, err)
	}
	return nil
}

// Package markup holds the parsed document model and the
// parse, walk, transform and render pipeline applied to HTML responses.
//
// A document is stored as an arena: every node lives in one slice owned by
// the Tree and refers to its parent and children by NodeID. The Document
// node is always NodeID 0.
package markup

import (
	"fmt"

	"golang.org/x/net/html"
)

// NodeID indexes a node in its Tree.
type NodeID int32

// NoNode is the parent of the root.
const NoNode NodeID = -1

// Kind is the variant of a Node.
type Kind uint8

const (
	DocumentNode Kind = iota
	ElementNode
	TextNode
	CommentNode
	DoctypeNode
)

func (k Kind) String() string {
	switch k {
	case DocumentNode:
		return "document"
	case ElementNode:
		return "element"
	case TextNode:
		return "text"
	case CommentNode:
		return "comment"
	case DoctypeNode:
		return "doctype"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flags are structural markers on a node.
type Flags uint8

const (
	// FlagMarked is set by transforms to tag an element for later stages.
	FlagMarked Flags = 1 << iota
	// FlagForeign marks elements in the SVG or MathML namespace.
	FlagForeign
)

// Attr is one attribute of an element or doctype.
type Attr struct {
	Namespace string
	Key       string
	Val       string
}

// Node is a single entry of the arena. Name, Attrs and Flags may be changed
// in place; the structural links are only reachable through the Tree.
type Node struct {
	Kind      Kind
	Name      string // element tag or doctype name
	Namespace string
	Data      string // text or comment content
	Attrs     []Attr
	Flags     Flags

	parent   NodeID
	children []NodeID
	source   *html.Node // parser node this entry was built from, nil for appended nodes
}

// Tree owns every node of one document.
type Tree struct {
	nodes []Node
}

// NewTree returns a tree holding only the Document node.
func NewTree() *Tree {
	t := &Tree{}
	t.nodes = append(t.nodes, Node{Kind: DocumentNode, parent: NoNode})
	return t
}

// Root returns the Document node's ID.
func (t *Tree) Root() NodeID { return 0 }

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node with the given ID. It panics on an unknown ID.
func (t *Tree) Node(id NodeID) *Node { return &t.nodes[id] }

// Parent returns the parent of id, or NoNode for the root.
func (t *Tree) Parent(id NodeID) NodeID { return t.nodes[id].parent }

// Children returns a copy of id's child list in document order.
func (t *Tree) Children(id NodeID) []NodeID {
	kids := t.nodes[id].children
	out := make([]NodeID, len(kids))
	copy(out, kids)
	return out
}

// Append adds n as the last child of parent and returns its ID.
func (t *Tree) Append(parent NodeID, n Node) NodeID {
	if int(parent) < 0 || int(parent) >= len(t.nodes) {
		panic(fmt.Sprintf("markup: append to unknown node %d", parent))
	}
	id := NodeID(len(t.nodes))
	n.parent = parent
	n.children = nil
	t.nodes = append(t.nodes, n)
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	return id
}

// Attr returns the value of the attribute key with no namespace.
func (n *Node) Attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets key to val, keeping the attribute's position when it exists.
func (n *Node) SetAttr(key, val string) {
	for i := range n.Attrs {
		if n.Attrs[i].Namespace == "" && n.Attrs[i].Key == key {
			n.Attrs[i].Val = val
			return
		}
	}
	n.Attrs = append(n.Attrs, Attr{Key: key, Val: val})
}

// RemoveAttr deletes key and reports whether it was present.
func (n *Node) RemoveAttr(key string) bool {
	for i := range n.Attrs {
		if n.Attrs[i].Namespace == "" && n.Attrs[i].Key == key {
			n.Attrs = append(n.Attrs[:i], n.Attrs[i+1:]...)
			return true
		}
	}
	return false
}

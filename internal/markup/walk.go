package markup

import "errors"

// ErrSkipWalk stops a walk early without reporting an error.
var ErrSkipWalk = errors.New("markup: skip walk")

// Walk visits every node once, depth-first and pre-order: a node is visited
// before its descendants, and each child subtree is finished before the next
// sibling is entered. A non-nil error from fn stops the walk and is returned,
// except ErrSkipWalk which stops it silently.
func (t *Tree) Walk(fn func(id NodeID, n *Node) error) error {
	stack := make([]NodeID, 0, 64)
	stack = append(stack, t.Root())

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := fn(id, &t.nodes[id]); err != nil {
			if errors.Is(err, ErrSkipWalk) {
				return nil
			}
			return err
		}

		// Push in reverse so the first child is popped next.
		kids := t.nodes[id].children
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return nil
}

// Stats summarises one transform pass.
type Stats struct {
	Nodes    int
	Elements int
	Renamed  int
	Marked   int
}

// Transform walks the tree and hands every element to tr in walk order.
func (t *Tree) Transform(tr Transformer) (Stats, error) {
	var st Stats
	err := t.Walk(func(id NodeID, n *Node) error {
		st.Nodes++
		if n.Kind != ElementNode {
			return nil
		}
		st.Elements++

		name := n.Name
		el := &Element{id: id, node: n}
		if err := tr.Transform(el); err != nil {
			return &TransformError{Element: name, Err: err}
		}
		if n.Name != name {
			st.Renamed++
		}
		if n.Flags&FlagMarked != 0 {
			st.Marked++
		}
		return nil
	})
	return st, err
}

// TransformError reports a transform hook failure on a specific element.
type TransformError struct {
	Element string
	Err     error
}

func (e *TransformError) Error() string {
	return "markup: transform <" + e.Element + ">: " + e.Err.Error()
}

func (e *TransformError) Unwrap() error { return e.Err }

// Depth returns the number of ancestors of id.
func (t *Tree) Depth(id NodeID) int {
	d := 0
	for p := t.nodes[id].parent; p != NoNode; p = t.nodes[p].parent {
		d++
	}
	return d
}

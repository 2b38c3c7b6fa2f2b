package markup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/net/html"
)

var (
	// ErrBodyTooLarge is returned when a body exceeds Limits.MaxBodyBytes.
	ErrBodyTooLarge = errors.New("markup: body too large")
	// ErrParse is returned when a body cannot be turned into a tree.
	ErrParse = errors.New("markup: parse failed")
	// ErrTransform is returned when a transform hook fails or panics.
	ErrTransform = errors.New("markup: transform failed")
	// ErrSerialize is returned when a tree cannot be rendered.
	ErrSerialize = errors.New("markup: serialize failed")

	errTruncated = errors.New("document ends inside a tag")
)

// Limits bound the work done on a single document.
type Limits struct {
	MaxBodyBytes  int64 // buffered body, before and after decoding
	MaxDepth      int   // element nesting
	MaxNodes      int   // nodes in the tree
	MaxTokenBytes int   // size of any single token
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:  10 * 1024 * 1024,
		MaxDepth:      512,
		MaxNodes:      200_000,
		MaxTokenBytes: 1024 * 1024,
	}
}

// Parse builds a tree from src. The parser recovers from most malformed
// markup the way browsers do; Parse additionally refuses input it cannot
// round-trip faithfully: invalid UTF-8, a document cut off inside a tag, or
// input that exceeds lim.
func Parse(src []byte, lim Limits) (*Tree, error) {
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrParse)
	}
	if err := prescan(src, lim.MaxTokenBytes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return fromHTML(doc, lim)
}

// prescan tokenizes src once to catch truncation and oversized tokens, which
// html.Parse silently tolerates.
func prescan(src []byte, maxToken int) error {
	z := html.NewTokenizer(bytes.NewReader(src))
	if maxToken > 0 {
		z.SetMaxBuf(maxToken)
	}
	for {
		if z.Next() != html.ErrorToken {
			continue
		}
		err := z.Err()
		if !errors.Is(err, io.EOF) {
			return err
		}
		if len(z.Raw()) > 0 {
			return errTruncated
		}
		return nil
	}
}

type buildFrame struct {
	src    *html.Node
	parent NodeID
	depth  int
}

// fromHTML copies a parsed document into an arena without recursion.
func fromHTML(doc *html.Node, lim Limits) (*Tree, error) {
	t := NewTree()
	t.nodes[0].source = doc

	stack := make([]buildFrame, 0, 64)
	for c := doc.LastChild; c != nil; c = c.PrevSibling {
		stack = append(stack, buildFrame{src: c, parent: t.Root(), depth: 1})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if lim.MaxDepth > 0 && f.depth > lim.MaxDepth {
			return nil, fmt.Errorf("%w: nesting deeper than %d", ErrParse, lim.MaxDepth)
		}
		if lim.MaxNodes > 0 && t.Len() >= lim.MaxNodes {
			return nil, fmt.Errorf("%w: more than %d nodes", ErrParse, lim.MaxNodes)
		}

		n, err := convert(f.src)
		if err != nil {
			return nil, err
		}
		id := t.Append(f.parent, n)
		t.nodes[id].source = f.src

		for c := f.src.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, buildFrame{src: c, parent: id, depth: f.depth + 1})
		}
	}
	return t, nil
}

func convert(src *html.Node) (Node, error) {
	switch src.Type {
	case html.ElementNode:
		n := Node{Kind: ElementNode, Name: src.Data, Namespace: src.Namespace, Attrs: convertAttrs(src.Attr)}
		if src.Namespace != "" {
			n.Flags |= FlagForeign
		}
		return n, nil
	case html.TextNode:
		return Node{Kind: TextNode, Data: src.Data}, nil
	case html.CommentNode:
		return Node{Kind: CommentNode, Data: src.Data}, nil
	case html.DoctypeNode:
		return Node{Kind: DoctypeNode, Name: src.Data, Attrs: convertAttrs(src.Attr)}, nil
	default:
		return Node{}, fmt.Errorf("%w: unexpected node type %d", ErrParse, src.Type)
	}
}

func convertAttrs(in []html.Attribute) []Attr {
	if len(in) == 0 {
		return nil
	}
	out := make([]Attr, len(in))
	for i, a := range in {
		out[i] = Attr{Namespace: a.Namespace, Key: a.Key, Val: a.Val}
	}
	return out
}

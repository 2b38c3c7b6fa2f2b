package markup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func newTestPipeline(lim Limits) *Pipeline {
	return NewPipeline(lim, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// endlessReader yields 'a' forever and counts what it hands out.
type endlessReader struct{ read int64 }

func (r *endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	r.read += int64(len(p))
	return len(p), nil
}

func TestBuffer(t *testing.T) {
	p := newTestPipeline(Limits{MaxBodyBytes: 16})

	tests := []struct {
		name     string
		body     string
		declared int64
		wantErr  error
	}{
		{"under limit", "<p>hi</p>", -1, nil},
		{"exactly limit", strings.Repeat("x", 16), 16, nil},
		{"over limit undeclared", strings.Repeat("x", 17), -1, ErrBodyTooLarge},
		{"over limit declared", "short", 1 << 20, ErrBodyTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Buffer(strings.NewReader(tt.body), tt.declared)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Buffer() error = %v, want %v", err, tt.wantErr)
				}
				if Recoverable(err) {
					t.Errorf("ErrBodyTooLarge must not be recoverable")
				}
				return
			}
			if err != nil {
				t.Fatalf("Buffer() error = %v", err)
			}
			if string(got) != tt.body {
				t.Errorf("Buffer() = %q, want %q", got, tt.body)
			}
		})
	}
}

func TestBuffer_StopsReadingEarly(t *testing.T) {
	const limit = 1024
	p := newTestPipeline(Limits{MaxBodyBytes: limit})

	r := &endlessReader{}
	if _, err := p.Buffer(r, -1); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Buffer() error = %v, want ErrBodyTooLarge", err)
	}
	if r.read > limit+1 {
		t.Errorf("read %d bytes from an endless body, want at most %d", r.read, limit+1)
	}
}

func TestBuffer_UnlimitedIgnoresHugeDeclaredLength(t *testing.T) {
	p := newTestPipeline(Limits{})

	got, err := p.Buffer(strings.NewReader("<p>small</p>"), math.MaxInt64)
	if err != nil {
		t.Fatalf("Buffer() error = %v", err)
	}
	if string(got) != "<p>small</p>" {
		t.Errorf("Buffer() = %q, want %q", got, "<p>small</p>")
	}
	if cap(got) > 2*maxPreallocate {
		t.Errorf("cap = %d, want the declared length capped near %d", cap(got), maxPreallocate)
	}
}

func TestBuffer_PropagatesReadError(t *testing.T) {
	p := newTestPipeline(DefaultLimits())
	boom := errors.New("connection reset")

	_, err := p.Buffer(io.MultiReader(strings.NewReader("<p>"), &errReader{err: boom}), -1)
	if !errors.Is(err, boom) {
		t.Fatalf("Buffer() error = %v, want %v", err, boom)
	}
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

func TestProcess_Identity(t *testing.T) {
	p := newTestPipeline(DefaultLimits())

	res, err := p.Process(context.Background(), []byte(`<html><body><p class="x">hi</p></body></html>`), nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	want := `<html><head></head><body><p class="x">hi</p></body></html>`
	if string(res.Body) != want {
		t.Errorf("Body = %q, want %q", res.Body, want)
	}
	if res.Stats.Elements != 4 || res.Stats.Nodes != 6 {
		t.Errorf("Stats = %+v, want Elements=4 Nodes=6", res.Stats)
	}
}

func TestProcess_AppliesTransformer(t *testing.T) {
	p := newTestPipeline(DefaultLimits())

	tr := TransformerFunc(func(el *Element) error {
		if el.Name() == "a" {
			if href, ok := el.Attr("href"); ok {
				el.SetAttr("href", strings.TrimPrefix(href, "http://localhost:8000"))
			}
			el.SetAttr("rel", "noopener")
		}
		if el.Name() == "b" {
			el.SetName("strong")
		}
		return nil
	})

	res, err := p.Process(context.Background(), []byte(`<p><a href="http://localhost:8000/docs">d</a> <b>x</b></p>`), tr)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	body := string(res.Body)
	for _, want := range []string{`<a href="/docs" rel="noopener">d</a>`, `<strong>x</strong>`} {
		if !strings.Contains(body, want) {
			t.Errorf("Body = %q, want it to contain %q", body, want)
		}
	}
}

func TestProcess_Failures(t *testing.T) {
	p := newTestPipeline(DefaultLimits())

	tests := []struct {
		name    string
		src     string
		tr      Transformer
		wantErr error
	}{
		{
			name:    "truncated document",
			src:     `<html><body><p>ok</p><img src="a.png`,
			wantErr: ErrParse,
		},
		{
			name: "hook error",
			src:  `<p>x</p>`,
			tr: TransformerFunc(func(*Element) error {
				return errors.New("rule failed")
			}),
			wantErr: ErrTransform,
		},
		{
			name: "hook panic",
			src:  `<p>x</p>`,
			tr: TransformerFunc(func(el *Element) error {
				var m map[string]int
				m[el.Name()]++
				return nil
			}),
			wantErr: ErrTransform,
		},
		{
			name: "unrenderable tree",
			src:  `<div><span>child</span></div>`,
			tr: TransformerFunc(func(el *Element) error {
				if el.Name() == "div" {
					el.SetName("br")
				}
				return nil
			}),
			wantErr: ErrSerialize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Process(context.Background(), []byte(tt.src), tt.tr)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Process() error = %v, want %v", err, tt.wantErr)
			}
			if !Recoverable(err) {
				t.Errorf("Recoverable(%v) = false", err)
			}
			if res.Body != nil {
				t.Errorf("Body = %q, want nil on failure", res.Body)
			}
		})
	}
}

func TestProcess_CanceledContext(t *testing.T) {
	p := newTestPipeline(DefaultLimits())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, []byte(`<p>x</p>`), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Process() error = %v, want context.Canceled", err)
	}
}

func TestProcess_Injector(t *testing.T) {
	p := newTestPipeline(DefaultLimits())

	inject := func(doc *html.Node) error {
		var body *html.Node
		var find func(*html.Node)
		find = func(n *html.Node) {
			if n.Type == html.ElementNode && n.DataAtom == atom.Body {
				body = n
				return
			}
			for c := n.FirstChild; c != nil && body == nil; c = c.NextSibling {
				find(c)
			}
		}
		find(doc)
		if body == nil {
			return errors.New("no body")
		}
		body.AppendChild(&html.Node{Type: html.CommentNode, Data: "proxied"})
		return nil
	}

	res, err := p.Process(context.Background(), []byte(`<p>x</p>`), nil, inject)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !bytes.HasSuffix(res.Body, []byte(`<p>x</p><!--proxied--></body></html>`)) {
		t.Errorf("Body = %q, want injected comment at end of body", res.Body)
	}

	failing := func(*html.Node) error { return errors.New("bad snippet") }
	if _, err := p.Process(context.Background(), []byte(`<p>x</p>`), nil, failing); !errors.Is(err, ErrSerialize) {
		t.Errorf("Process() with failing injector error = %v, want ErrSerialize", err)
	}
}

func TestElement_Matches(t *testing.T) {
	tree, err := Parse([]byte(`<p id="a">x</p>`), DefaultLimits())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	byID := matcherFunc(func(n *html.Node) bool {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == "a" {
				return true
			}
		}
		return false
	})

	var matched []string
	_, _ = tree.Transform(TransformerFunc(func(el *Element) error {
		if el.Matches(byID) {
			matched = append(matched, el.Name())
		}
		return nil
	}))
	if len(matched) != 1 || matched[0] != "p" {
		t.Errorf("matched = %v, want [p]", matched)
	}

	appended := &Element{node: &Node{Kind: ElementNode, Name: "p", Attrs: []Attr{{Key: "id", Val: "a"}}}}
	if appended.Matches(byID) {
		t.Error("elements without a parsed source must not match")
	}
}

type matcherFunc func(*html.Node) bool

func (f matcherFunc) Match(n *html.Node) bool { return f(n) }

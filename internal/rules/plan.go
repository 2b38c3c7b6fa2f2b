package rules

import (
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"markup-proxy-go/internal/markup"
)

// Plan is what the pipeline runs for one request.
type Plan struct {
	Rules       []string
	Transformer markup.Transformer
	Injectors   []markup.Injector
}

// Empty reports whether no rule applies.
func (p Plan) Empty() bool { return len(p.Rules) == 0 }

// For returns the plan for a request path. With no matching rules the plan's
// Transformer is nil and the pipeline falls back to its identity hook.
func (s *Set) For(path string) Plan {
	var plan Plan
	var rewrites []compiledRewrite
	for i := range s.rules {
		r := &s.rules[i]
		if !r.matches(path) {
			continue
		}
		plan.Rules = append(plan.Rules, r.name)
		rewrites = append(rewrites, r.rewrites...)
		for _, in := range r.injections {
			plan.Injectors = append(plan.Injectors, in.injector())
		}
	}
	if len(rewrites) > 0 {
		plan.Transformer = rewriter(rewrites)
	}
	return plan
}

// rewriter applies every matching rewrite to an element in rule order.
type rewriter []compiledRewrite

func (rw rewriter) Transform(el *markup.Element) error {
	for i := range rw {
		r := &rw[i]
		if !el.Matches(r.sel) {
			continue
		}
		for _, kv := range r.set {
			el.SetAttr(kv.Key, kv.Value)
		}
		for _, k := range r.remove {
			el.RemoveAttr(k)
		}
		for _, rp := range r.replace {
			if v, ok := el.Attr(rp.attr); ok {
				el.SetAttr(rp.attr, rp.re.ReplaceAllString(v, rp.with))
			}
		}
		if r.rename != "" {
			el.SetName(r.rename)
		}
		if r.mark {
			el.Mark()
		}
	}
	return nil
}

// injector inserts the snippet into every element matching the position
// selector. Matching runs on the rendered tree, after rewrites.
func (ci compiledInjection) injector() markup.Injector {
	return func(doc *html.Node) error {
		sel := goquery.NewDocumentFromNode(doc).Find(ci.position)
		if ci.prepend != "" {
			sel.PrependHtml(ci.prepend)
		}
		if ci.append != "" {
			sel.AppendHtml(ci.append)
		}
		return nil
	}
}

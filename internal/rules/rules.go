// Package rules loads YAML rewrite rules and turns the rules that apply to a
// request path into a markup transform and injections.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// KV is an attribute name and value.
type KV struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Replace rewrites an attribute value with a regular expression.
type Replace struct {
	Attr  string `yaml:"attr"`
	Match string `yaml:"match"`
	With  string `yaml:"with"`
}

// Rewrite edits every element matching Selector. Rewrites never change the
// shape of the tree.
type Rewrite struct {
	Selector string    `yaml:"selector"`
	Rename   string    `yaml:"rename,omitempty"`
	Set      []KV      `yaml:"set,omitempty"`
	Remove   []string  `yaml:"remove,omitempty"`
	Replace  []Replace `yaml:"replace,omitempty"`
	Mark     bool      `yaml:"mark,omitempty"`
}

// Injection inserts an HTML snippet inside every element matching Position.
type Injection struct {
	Position string `yaml:"position"`
	Append   string `yaml:"append,omitempty"`
	Prepend  string `yaml:"prepend,omitempty"`
}

// Rule groups rewrites and injections for a set of request paths.
type Rule struct {
	Name       string      `yaml:"name,omitempty"`
	Paths      []string    `yaml:"paths,omitempty"`
	Rewrites   []Rewrite   `yaml:"rewrites,omitempty"`
	Injections []Injection `yaml:"injections,omitempty"`
}

// RuleSet is the document format of a rules file.
type RuleSet []Rule

type compiledReplace struct {
	attr string
	re   *regexp.Regexp
	with string
}

type compiledRewrite struct {
	sel     cascadia.Sel
	rename  string
	set     []KV
	remove  []string
	replace []compiledReplace
	mark    bool
}

type compiledInjection struct {
	position string
	append   string
	prepend  string
}

type compiledRule struct {
	name       string
	paths      []string
	rewrites   []compiledRewrite
	injections []compiledInjection
}

// Set is a compiled, immutable rule set; it is safe for concurrent use.
type Set struct {
	rules  []compiledRule
	logger *slog.Logger
}

// Load reads rules from a ';'-separated list of files or directories. Inside
// directories every .yml and .yaml file is read. An empty spec yields an
// empty Set.
func Load(spec string, logger *slog.Logger) (*Set, error) {
	logger = logger.With("component", "rules")

	var all RuleSet
	for _, p := range strings.Split(spec, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rs, err := loadPath(p)
		if err != nil {
			return nil, err
		}
		all = append(all, rs...)
	}

	set, err := Compile(all, logger)
	if err != nil {
		return nil, err
	}
	if len(all) > 0 {
		logger.Info("rules loaded", "rules", len(set.rules), "source", spec)
	}
	return set, nil
}

func loadPath(root string) (RuleSet, error) {
	var out RuleSet
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if path != root && ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("rules: read %s: %w", path, err)
		}
		var rs RuleSet
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return fmt.Errorf("rules: parse %s: %w", path, err)
		}
		out = append(out, rs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rules: load %s: %w", root, err)
	}
	return out, nil
}

// Compile validates rs and compiles its selectors and expressions.
func Compile(rs RuleSet, logger *slog.Logger) (*Set, error) {
	set := &Set{logger: logger}
	for i, r := range rs {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
		}
		cr := compiledRule{name: name, paths: r.Paths}

		for j, rw := range r.Rewrites {
			sel, err := cascadia.Parse(rw.Selector)
			if err != nil {
				return nil, fmt.Errorf("rules: %s: rewrites[%d]: selector %q: %w", name, j, rw.Selector, err)
			}
			c := compiledRewrite{sel: sel, rename: strings.ToLower(rw.Rename), set: rw.Set, remove: rw.Remove, mark: rw.Mark}
			for k, rp := range rw.Replace {
				if rp.Attr == "" {
					return nil, fmt.Errorf("rules: %s: rewrites[%d].replace[%d]: attr is required", name, j, k)
				}
				re, err := regexp.Compile(rp.Match)
				if err != nil {
					return nil, fmt.Errorf("rules: %s: rewrites[%d].replace[%d]: %w", name, j, k, err)
				}
				c.replace = append(c.replace, compiledReplace{attr: rp.Attr, re: re, with: rp.With})
			}
			cr.rewrites = append(cr.rewrites, c)
		}

		for j, in := range r.Injections {
			if _, err := cascadia.Parse(in.Position); err != nil {
				return nil, fmt.Errorf("rules: %s: injections[%d]: position %q: %w", name, j, in.Position, err)
			}
			if in.Append == "" && in.Prepend == "" {
				return nil, fmt.Errorf("rules: %s: injections[%d]: append or prepend is required", name, j)
			}
			cr.injections = append(cr.injections, compiledInjection{position: in.Position, append: in.Append, prepend: in.Prepend})
		}

		set.rules = append(set.rules, cr)
	}
	return set, nil
}

// Len returns the number of rules.
func (s *Set) Len() int { return len(s.rules) }

// matches reports whether a rule applies to the request path. Paths are
// prefixes; a rule without paths applies everywhere.
func (r *compiledRule) matches(path string) bool {
	if len(r.paths) == 0 {
		return true
	}
	for _, p := range r.paths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

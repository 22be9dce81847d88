// Package filter decides which messages an ingestion run keeps. Messages can
// be selected by regular expressions over the raw header or body text, and
// dropped by label.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mbox-drill/parser"
)

var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
	// SkipLabels drops messages carrying any of these labels (case-insensitive).
	SkipLabels []string
}

// Filter holds the compiled options. A nil *Filter allows everything.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []*regexp.Regexp
	includeBody   []*regexp.Regexp
	excludeHeader []*regexp.Regexp
	excludeBody   []*regexp.Regexp
	skipLabels    map[string]struct{}
}

// New compiles opts. Include and exclude patterns cannot be combined.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	f := &Filter{
		includeMode:   len(includeHeader) > 0 || len(includeBody) > 0,
		excludeMode:   len(excludeHeader) > 0 || len(excludeBody) > 0,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
	}
	if f.includeMode && f.excludeMode {
		return nil, ErrModeConflict
	}
	for _, name := range opts.SkipLabels {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if f.skipLabels == nil {
			f.skipLabels = make(map[string]struct{})
		}
		f.skipLabels[name] = struct{}{}
	}
	return f, nil
}

// Active reports whether the filter can drop anything.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode || len(f.skipLabels) > 0)
}

// Allows reports whether a message with the given raw bytes and labels is kept.
func (f *Filter) Allows(raw []byte, labels []string) bool {
	if !f.Active() {
		return true
	}
	if !f.AllowsLabels(labels) {
		return false
	}
	if !f.includeMode && !f.excludeMode {
		return true
	}
	header, body := parser.SplitRaw(raw)
	return f.AllowsText(header, body)
}

// AllowsText applies the header and body patterns.
func (f *Filter) AllowsText(header, body []byte) bool {
	if f == nil {
		return true
	}
	if f.includeMode {
		return matchAny(f.includeHeader, header) || matchAny(f.includeBody, body)
	}
	if f.excludeMode {
		return !matchAny(f.excludeHeader, header) && !matchAny(f.excludeBody, body)
	}
	return true
}

// AllowsLabels applies the label skip-list.
func (f *Filter) AllowsLabels(labels []string) bool {
	if f == nil || len(f.skipLabels) == 0 {
		return true
	}
	for _, l := range labels {
		if _, skip := f.skipLabels[strings.ToLower(l)]; skip {
			return false
		}
	}
	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text []byte) bool {
	for _, re := range patterns {
		if re.Match(text) {
			return true
		}
	}
	return false
}

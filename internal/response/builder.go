// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package response assembles the text a tool handler returns to the MCP
// client out of an ordered list of named sections, so every handler composes
// its response the same way instead of each building its own ad hoc string.
package response

import "strings"

// Section is one labeled piece of a tool response.
type Section struct {
	Title string
	Body  string
}

// Builder accumulates sections in call order and renders them as a single
// text block. A zero Builder is ready to use.
type Builder struct {
	sections []Section
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Add appends a section. An empty body is skipped so optional sections
// (e.g. a cached-output dump with nothing to show) don't leave a dangling
// empty header in the rendered text.
func (b *Builder) Add(title, body string) *Builder {
	if strings.TrimSpace(body) == "" {
		return b
	}
	b.sections = append(b.sections, Section{Title: title, Body: body})
	return b
}

// AddRaw appends body with no title, for the common case of a single
// primary result with no secondary sections.
func (b *Builder) AddRaw(body string) *Builder {
	if strings.TrimSpace(body) == "" {
		return b
	}
	b.sections = append(b.sections, Section{Body: body})
	return b
}

// Empty reports whether no section was ever added.
func (b *Builder) Empty() bool {
	return len(b.sections) == 0
}

// Sections is the §4.7 fixed composition order: scope warning, closed
// console notices, all-pipes status, busy-sibling lines, cached sibling
// outputs, the primary payload, and an optional trailing hint. Any field
// left empty is skipped; non-empty fields are joined by a single blank
// line, in this order, with no trailing-whitespace stripping.
type Sections struct {
	ScopeWarning         string
	ClosedConsole        string
	AllPipesStatus       string
	BusySiblingLines     string
	CachedSiblingOutputs string
	Primary              string
	Hint                 string
}

// Compose renders s in the fixed §4.7 order.
func Compose(s Sections) string {
	b := New()
	b.AddRaw(s.ScopeWarning)
	b.AddRaw(s.ClosedConsole)
	b.AddRaw(s.AllPipesStatus)
	b.AddRaw(s.BusySiblingLines)
	b.AddRaw(s.CachedSiblingOutputs)
	b.AddRaw(s.Primary)
	b.AddRaw(s.Hint)
	return b.String()
}

// String renders every section in order, titled sections prefixed with a
// "## Title" heading so an agent reading the tool result can tell apart the
// primary result from secondary output (e.g. cached output from other
// consoles).
func (b *Builder) String() string {
	var sb strings.Builder
	for i, s := range b.sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if s.Title != "" {
			sb.WriteString("## ")
			sb.WriteString(s.Title)
			sb.WriteString("\n")
		}
		sb.WriteString(s.Body)
	}
	return sb.String()
}

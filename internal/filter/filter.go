// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package filter selects tests to run based on include and exclude patterns.
//
// A pattern is either "<class>" (matching every method of the class) or
// "<class>#<method>" (matching a single test case). Exclusion always wins
// over inclusion, so "-skiptests com.foo.Bar#flaky" removes that one case
// even when the whole class is included.
package filter

import (
	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/protocol"
)

// Filter decides whether a test case should run.
type Filter struct {
	include []protocol.TestIdentity
	exclude []protocol.TestIdentity
}

// New parses include and exclude patterns into a Filter.
// An empty include list matches every test.
func New(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	for _, s := range include {
		id, err := protocol.ParseTestIdentity(s)
		if err != nil {
			return nil, errors.Wrapf(err, "bad include pattern %q", s)
		}
		f.include = append(f.include, id)
	}
	for _, s := range exclude {
		id, err := protocol.ParseTestIdentity(s)
		if err != nil {
			return nil, errors.Wrapf(err, "bad exclude pattern %q", s)
		}
		f.exclude = append(f.exclude, id)
	}
	return f, nil
}

// Matches reports whether pattern covers id. A pattern with no method part
// covers the whole class.
func Matches(pattern, id protocol.TestIdentity) bool {
	if pattern.Class != id.Class {
		return false
	}
	return pattern.Method == "" || pattern.Method == id.Method
}

// Match reports whether id should run.
func (f *Filter) Match(id protocol.TestIdentity) bool {
	for _, p := range f.exclude {
		if Matches(p, id) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if Matches(p, id) {
			return true
		}
	}
	return false
}

// Exclude returns a copy of f with extra exclusion patterns appended.
// It is used to narrow a retry attempt without mutating the original filter.
func (f *Filter) Exclude(ids []protocol.TestIdentity) *Filter {
	g := &Filter{
		include: append([]protocol.TestIdentity(nil), f.include...),
		exclude: append([]protocol.TestIdentity(nil), f.exclude...),
	}
	g.exclude = append(g.exclude, ids...)
	return g
}

// Apply returns the subset of tests matching f, preserving order.
func (f *Filter) Apply(tests []protocol.TestIdentity) []protocol.TestIdentity {
	var kept []protocol.TestIdentity
	for _, id := range tests {
		if f.Match(id) {
			kept = append(kept, id)
		}
	}
	return kept
}

// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package filter_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/devicelab/harness/internal/filter"
	"github.com/devicelab/harness/internal/protocol"
)

func TestMatch(t *testing.T) {
	for _, c := range []struct {
		include []string
		exclude []string
		id      string
		want    bool
	}{
		{nil, nil, "com.foo.Bar#baz", true},
		{[]string{"com.foo.Bar"}, nil, "com.foo.Bar#baz", true},
		{[]string{"com.foo.Bar"}, nil, "com.foo.Other#baz", false},
		{[]string{"com.foo.Bar#baz"}, nil, "com.foo.Bar#qux", false},
		// A method-level exclusion wins over a class-level inclusion.
		{[]string{"com.foo.Bar"}, []string{"com.foo.Bar#methodX"}, "com.foo.Bar#methodX", false},
		{[]string{"com.foo.Bar"}, []string{"com.foo.Bar#methodX"}, "com.foo.Bar#methodY", true},
		// A class-level exclusion removes every method.
		{nil, []string{"com.foo.Bar"}, "com.foo.Bar#baz", false},
	} {
		f, err := filter.New(c.include, c.exclude)
		if err != nil {
			t.Fatalf("New(%v, %v): %v", c.include, c.exclude, err)
		}
		id, err := protocol.ParseTestIdentity(c.id)
		if err != nil {
			t.Fatal("ParseTestIdentity: ", err)
		}
		if got := f.Match(id); got != c.want {
			t.Errorf("New(%v, %v).Match(%q) = %v; want %v", c.include, c.exclude, c.id, got, c.want)
		}
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	if _, err := filter.New([]string{"#method"}, nil); err == nil {
		t.Error("New succeeded unexpectedly for a pattern without a class")
	}
}

func TestExcludeDoesNotMutateOriginal(t *testing.T) {
	f, err := filter.New(nil, nil)
	if err != nil {
		t.Fatal("New: ", err)
	}
	id := protocol.NewTestIdentity("com.foo.Bar", "baz")
	g := f.Exclude([]protocol.TestIdentity{id})
	if g.Match(id) {
		t.Error("Exclude().Match() = true; want false")
	}
	if !f.Match(id) {
		t.Error("original filter was mutated by Exclude")
	}
}

func TestApply(t *testing.T) {
	f, err := filter.New(nil, []string{"com.foo.Bar#skip"})
	if err != nil {
		t.Fatal("New: ", err)
	}
	tests := []protocol.TestIdentity{
		protocol.NewTestIdentity("com.foo.Bar", "keep"),
		protocol.NewTestIdentity("com.foo.Bar", "skip"),
		protocol.NewTestIdentity("com.foo.Other", "keep"),
	}
	want := []protocol.TestIdentity{tests[0], tests[2]}
	if diff := cmp.Diff(f.Apply(tests), want); diff != "" {
		t.Errorf("Apply mismatch (-got +want):\n%s", diff)
	}
}

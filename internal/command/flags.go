// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command provides flag.Value implementations shared by harness
// subcommands.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ListFlag implements flag.Value to parse a separator-delimited list into a
// string slice.
type ListFlag struct {
	sep    string
	assign func([]string)
	def    []string
}

// NewListFlag returns a ListFlag splitting the value on sep. def is assigned
// when the flag is unspecified.
func NewListFlag(sep string, assign func([]string), def []string) *ListFlag {
	f := &ListFlag{sep: sep, assign: assign, def: def}
	assign(def)
	return f
}

func (f *ListFlag) String() string { return strings.Join(f.def, f.sep) }

// Set implements flag.Value.
func (f *ListFlag) Set(v string) error {
	if v == "" {
		f.assign(nil)
		return nil
	}
	f.assign(strings.Split(v, f.sep))
	return nil
}

// RepeatedFlag implements flag.Value around a function that is invoked each
// time the flag is supplied.
type RepeatedFlag func(v string) error

func (f *RepeatedFlag) String() string { return "" }

// Set implements flag.Value.
func (f *RepeatedFlag) Set(v string) error { return (*f)(v) }

// DurationFlag implements flag.Value to parse an integer duration expressed
// in the given units (e.g. a flag value of 5 with units of time.Second
// yields 5s).
type DurationFlag struct {
	units time.Duration
	dest  *time.Duration
}

// NewDurationFlag returns a DurationFlag assigning to dest. def is assigned
// when the flag is unspecified.
func NewDurationFlag(units time.Duration, dest *time.Duration, def time.Duration) *DurationFlag {
	*dest = def
	return &DurationFlag{units: units, dest: dest}
}

func (f *DurationFlag) String() string { return fmt.Sprint(int64(*f.dest / f.units)) }

// Set implements flag.Value.
func (f *DurationFlag) Set(v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*f.dest = time.Duration(n) * f.units
	return nil
}

// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/protocol"
)

// cutVar splits a "name=value" flag argument.
func cutVar(v string) (name, value string, ok bool) {
	return strings.Cut(v, "=")
}

// findVarsFiles returns paths to vars files under dir, sorted in a stable
// order. If dir doesn't exist, empty paths are returned with no error.
func findVarsFiles(dir string) (paths []string, err error) {
	if err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if filepath.Ext(path) == ".yaml" {
			paths = append(paths, path)
		}
		return nil
	}); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "couldn't walk vars dir")
	}
	sort.Strings(paths)
	return paths, nil
}

// readVarsFile reads a YAML file at path containing key-value pairs.
func readVarsFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string)
	if err := yaml.Unmarshal(b, &vars); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return vars, nil
}

// mergeVarsMode specifies the behavior of mergeVars when it finds duplicated
// entries.
type mergeVarsMode int

const (
	skipOnDuplicate  mergeVarsMode = iota // skip duplicated entries
	errorOnDuplicate                      // error on duplicated entries
)

// mergeVars merges newVars into vars. Behavior on key duplication is
// specified by mode. vars must not be nil; in the case of errors its value
// is unspecified.
func mergeVars(vars, newVars map[string]string, mode mergeVarsMode) error {
	for k, v := range newVars {
		if _, ok := vars[k]; ok {
			if mode == skipOnDuplicate {
				continue
			}
			return errors.Errorf("duplicated key %q", k)
		}
		vars[k] = v
	}
	return nil
}

// ReadVars returns the merged runtime variables: -var values win over
// -varsfile entries, which must not collide with each other; default vars
// directories fill in anything still unset.
func (c *Config) ReadVars() (map[string]string, error) {
	vars := make(map[string]string)
	for k, v := range c.TestVars {
		vars[k] = v
	}
	for _, path := range c.VarsFiles {
		newVars, err := readVarsFile(path)
		if err != nil {
			return nil, err
		}
		if err := mergeVars(vars, newVars, errorOnDuplicate); err != nil {
			return nil, errors.Wrapf(err, "failed to merge vars from %s", path)
		}
	}
	for _, dir := range c.DefaultVarsDirs {
		paths, err := findVarsFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			newVars, err := readVarsFile(path)
			if err != nil {
				return nil, err
			}
			if err := mergeVars(vars, newVars, skipOnDuplicate); err != nil {
				return nil, errors.Wrapf(err, "failed to merge vars from %s", path)
			}
		}
	}
	return vars, nil
}

// readSkipFile reads a YAML file holding a list of test identity patterns.
func readSkipFile(path string) ([]protocol.TestIdentity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var patterns []string
	if err := yaml.Unmarshal(b, &patterns); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	var skip []protocol.TestIdentity
	for _, s := range patterns {
		id, err := protocol.ParseTestIdentity(s)
		if err != nil {
			return nil, errors.Wrapf(err, "bad skip pattern in %s", path)
		}
		skip = append(skip, id)
	}
	return skip, nil
}

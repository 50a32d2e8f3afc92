/*
Copyright © 2020 GUILLAUME FOURNIER

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// OnAccessConfiguration - on-access scanning policy. Values are immutable once
// built, a policy update replaces the whole value.
type OnAccessConfiguration struct {
	Enabled            bool
	OnOpen             bool
	OnClose            bool
	ExcludeRemoteFiles bool
	// Exclusions are evaluated in order, the first match wins
	Exclusions []Exclusion
}

// Excluded returns the first exclusion matching path
func (c OnAccessConfiguration) Excluded(path string) (Exclusion, bool) {
	for _, e := range c.Exclusions {
		if e.Matches(path) {
			return e, true
		}
	}
	return Exclusion{}, false
}

// Exclusion excludes a path and everything below it. Patterns holding glob
// meta characters are matched with doublestar semantics.
type Exclusion struct {
	pattern string
	glob    bool
}

// NewExclusion parses an exclusion pattern
func NewExclusion(pattern string) (Exclusion, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return Exclusion{}, errors.New("empty exclusion")
	}
	if !strings.HasPrefix(pattern, "/") {
		return Exclusion{}, errors.Errorf("exclusion %q is not an absolute path", pattern)
	}
	if strings.ContainsAny(pattern, "*?[{") {
		pattern = strings.TrimSuffix(pattern, "/")
		if !doublestar.ValidatePattern(pattern) {
			return Exclusion{}, errors.Errorf("invalid exclusion pattern %q", pattern)
		}
		return Exclusion{pattern: pattern, glob: true}, nil
	}
	return Exclusion{pattern: filepath.Clean(pattern)}, nil
}

// MustExclusions builds exclusions from patterns and panics on invalid ones
func MustExclusions(patterns ...string) []Exclusion {
	out := make([]Exclusion, 0, len(patterns))
	for _, p := range patterns {
		e, err := NewExclusion(p)
		if err != nil {
			panic(err)
		}
		out = append(out, e)
	}
	return out
}

// Matches - returns true when path is the excluded path or one of its descendants
func (e Exclusion) Matches(path string) bool {
	if e.glob {
		if ok, _ := doublestar.Match(e.pattern, path); ok {
			return true
		}
		ok, _ := doublestar.Match(e.pattern+"/**", path)
		return ok
	}
	return PathHasPrefix(path, e.pattern)
}

func (e Exclusion) String() string {
	return e.pattern
}

// PathHasPrefix returns true if prefix is path or one of its parent directories
func PathHasPrefix(path, prefix string) bool {
	maybeAddSlash := func(path string) string {
		if len(path) == 0 {
			return string(filepath.Separator)
		}
		if path[len(path)-1] != filepath.Separator {
			return path + string(filepath.Separator)
		}
		return path
	}
	switch {
	case len(prefix) > len(path):
		return false
	case len(prefix) == len(path):
		return path == prefix
	default:
		return strings.HasPrefix(path, maybeAddSlash(prefix))
	}
}

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExclusionMatches(t *testing.T) {
	var testCases = []struct {
		comment  string
		pattern  string
		path     string
		expected bool
	}{
		{comment: "exact path", pattern: "/var/lib/docker", path: "/var/lib/docker", expected: true},
		{comment: "descendant", pattern: "/var/lib/docker", path: "/var/lib/docker/overlay2/x", expected: true},
		{comment: "trailing slash", pattern: "/tmp/", path: "/tmp/file", expected: true},
		{comment: "matches on boundary", pattern: "/var/lib/docker", path: "/var/lib/docker2", expected: false},
		{comment: "sibling", pattern: "/home/user", path: "/home/other/file", expected: false},
		{comment: "root", pattern: "/", path: "/anything", expected: true},
		{comment: "glob file", pattern: "/home/*/Downloads/*.iso", path: "/home/bob/Downloads/debian.iso", expected: true},
		{comment: "glob directory descendants", pattern: "/home/*/.cache", path: "/home/bob/.cache/a/b", expected: true},
		{comment: "glob no match", pattern: "/home/*/.cache", path: "/home/bob/.config/a", expected: false},
		{comment: "double star", pattern: "/opt/**/*.log", path: "/opt/app/var/x.log", expected: true},
	}
	for _, tc := range testCases {
		t.Run(tc.comment, func(t *testing.T) {
			e, err := NewExclusion(tc.pattern)
			require.NoError(t, err)
			require.Equal(t, tc.expected, e.Matches(tc.path))
		})
	}
}

func TestRejectsInvalidExclusions(t *testing.T) {
	for _, pattern := range []string{"", "   ", "relative/path", "/bad/[pattern"} {
		_, err := NewExclusion(pattern)
		require.Error(t, err, pattern)
	}
}

func TestFirstMatchingExclusionWins(t *testing.T) {
	cfg := OnAccessConfiguration{Exclusions: MustExclusions("/data/cache", "/data")}
	e, ok := cfg.Excluded("/data/cache/x")
	require.True(t, ok)
	require.Equal(t, "/data/cache", e.String())

	_, ok = cfg.Excluded("/srv/x")
	require.False(t, ok)
}

package engine

import "strings"

// NormalizeTarget canonicalizes a target identifier so the
// duplicate-completion guard catches the same resource pasted in different
// shapes. "https://www.example.com/foo/?x=1", "example.com/foo" and "@foo"
// all normalize to "foo": scheme and host boilerplate go, query and
// fragment go, trailing slashes and a leading @ go, and the remainder is
// lowercased.
func NormalizeTarget(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	// Drop a leading hostname when a path follows it. A bare handle has no
	// dot-bearing first segment, so it passes through untouched.
	if i := strings.Index(s, "/"); i > 0 && strings.Contains(s[:i], ".") {
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "/")
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

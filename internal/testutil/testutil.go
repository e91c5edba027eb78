// Package testutil holds helpers for tests that re-run the test binary as a
// second process.
package testutil

import (
	"regexp"
	"strings"
	"testing"
)

// RunArgs returns the arguments that make a copy of the test binary run only
// the current test (and its parents, when it is a subtest).
func RunArgs(tb testing.TB) []string {
	parts := strings.Split(tb.Name(), "/")
	for i, p := range parts {
		parts[i] = "^" + regexp.QuoteMeta(p) + "$"
	}
	return []string{"-test.run=" + strings.Join(parts, "/"), "-test.count=1"}
}

// Package validate checks host and route syntax from the Data Model in
// spec.md §3, before any network I/O is attempted. Structured the way
// the teacher's url.go classifies URL candidates: a conservative regexp
// narrows the shape, and the parts RE2 can't express (forbidden
// substrings, length bounds) are checked in plain Go code around it.
package validate

import (
	"regexp"
	"strings"

	"github.com/nweb-ext/nwebcore/internal/errs"
)

const (
	maxHostLen  = 253
	maxRouteLen = 1024
)

var forbiddenChars = []byte{'<', '>', '\'', '"'}

// routeCharset matches spec.md §3's `[\w\-./]*` once the leading slash
// is stripped.
var routeCharset = regexp.MustCompile(`^[\w\-./]*$`)

// Host validates a hostname per spec.md §3: length <= 253, no forbidden
// characters, no ".." substring.
func Host(host string) error {
	if host == "" {
		return errs.New(errs.BadInput, "host is empty")
	}
	if len(host) > maxHostLen {
		return errs.WithDetails(errs.BadInput, "host too long", map[string]any{"field": "host", "max": maxHostLen})
	}
	if containsForbidden(host) {
		return errs.WithDetails(errs.BadInput, "host contains a forbidden character", map[string]any{"field": "host"})
	}
	if strings.Contains(host, "..") {
		return errs.WithDetails(errs.BadInput, "host contains \"..\"", map[string]any{"field": "host"})
	}
	return nil
}

// Route validates a route per spec.md §3: starts with "/", length <=
// 1024, no forbidden characters, no "..", matches [\w\-./]* after the
// leading slash.
func Route(route string) error {
	if !strings.HasPrefix(route, "/") {
		return errs.WithDetails(errs.BadInput, "route must start with \"/\"", map[string]any{"field": "route"})
	}
	if len(route) > maxRouteLen {
		return errs.WithDetails(errs.BadInput, "route too long", map[string]any{"field": "route", "max": maxRouteLen})
	}
	if containsForbidden(route) {
		return errs.WithDetails(errs.BadInput, "route contains a forbidden character", map[string]any{"field": "route"})
	}
	if strings.Contains(route, "..") {
		return errs.WithDetails(errs.BadInput, "route contains \"..\"", map[string]any{"field": "route"})
	}
	if !routeCharset.MatchString(route[1:]) {
		return errs.WithDetails(errs.BadInput, "route contains characters outside [\\w\\-./]", map[string]any{"field": "route"})
	}
	return nil
}

func containsForbidden(s string) bool {
	for i := 0; i < len(s); i++ {
		for _, c := range forbiddenChars {
			if s[i] == c {
				return true
			}
		}
	}
	return false
}

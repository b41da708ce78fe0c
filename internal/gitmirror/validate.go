package gitmirror

import (
	"strings"

	"github.com/branchbox/branchbox/internal/apperr"
)

const maxBranchNameLen = 255

// ValidateBranchName is the pure syntactic gate every branch name passes
// before any mirror mutation is attempted. It approximates
// `git check-ref-format --branch` for the subset of names this service
// accepts: ASCII letters, digits, '.', '_', '-' and '/' separators, with the
// traversal-prone and ref-magic sequences rejected outright. No I/O.
func ValidateBranchName(name string) error {
	if name == "" {
		return apperr.Validation("branch name is empty")
	}
	if len(name) > maxBranchNameLen {
		return apperr.Validation("branch name exceeds %d bytes", maxBranchNameLen)
	}
	if strings.HasPrefix(name, "-") {
		return apperr.Validation("branch name %q must not start with '-'", name)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return apperr.Validation("branch name %q must not start or end with '/'", name)
	}
	if strings.HasSuffix(name, ".") {
		return apperr.Validation("branch name %q must not end with '.'", name)
	}
	if strings.HasSuffix(name, ".lock") {
		return apperr.Validation("branch name %q must not end with '.lock'", name)
	}
	if strings.Contains(name, "..") {
		return apperr.Validation("branch name %q must not contain '..'", name)
	}
	if strings.Contains(name, "//") {
		return apperr.Validation("branch name %q must not contain '//'", name)
	}
	if strings.Contains(name, "@{") {
		return apperr.Validation("branch name %q must not contain '@{'", name)
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return apperr.Validation("branch name %q has a component starting with '.'", name)
		}
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-' || c == '/':
		default:
			return apperr.Validation("branch name %q contains invalid byte %q", name, string(c))
		}
	}
	return nil
}

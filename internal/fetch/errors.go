package fetch

import (
	"fmt"
	"strings"
)

// NotFoundError means no release/asset combination matched the source's
// pattern after exhausting the release list. It is not retryable: nothing
// upstream matches.
type NotFoundError struct {
	Name    string
	Repo    string
	Pattern string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no asset matching %q in any release of %s", e.Name, e.Pattern, e.Repo)
}

// NetworkError wraps a transport failure talking to the release host.
// Distinct from NotFoundError so callers can decide to retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BuildError reports a failed PlatformIO build, carrying the tail of the
// captured build output for diagnosis.
type BuildError struct {
	Name string
	Tail []string
	Err  error
}

func (e *BuildError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("%s: build failed: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: build failed: %v\n%s", e.Name, e.Err, strings.Join(e.Tail, "\n"))
}

func (e *BuildError) Unwrap() error { return e.Err }

package queue

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateURL checks that raw parses as an absolute http(s) URL with a host.
// Validation is purely syntactic; reachability is the executor's problem.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("url must be absolute")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

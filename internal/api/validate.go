package api

import (
	"fmt"
	"net/url"
	"regexp"
)

// streamIDPattern restricts stream identifiers to URL- and key-safe
// characters.
var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// validateStreamID checks the path parameter before it reaches any store or
// provider.
func validateStreamID(id string) error {
	if id == "" {
		return fmt.Errorf("stream id is required")
	}
	if !streamIDPattern.MatchString(id) {
		return fmt.Errorf("stream id %q is invalid: only letters, digits, '-' and '_' are allowed (max 128 chars)", id)
	}
	return nil
}

// validateHLSURL checks that the submitted URL is an absolute http(s) URL.
func validateHLSURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("hls_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("hls_url is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("hls_url scheme %q is not supported: use http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("hls_url is missing a host")
	}
	return nil
}

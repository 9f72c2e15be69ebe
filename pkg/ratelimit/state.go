// Package ratelimit implements sliding-window admission control for outbound requests.
// Each identifier (origin + path) keeps the timestamps of its admitted requests
// within the trailing window.
package ratelimit

import (
	"net/url"
	"time"
)

// Rule caps the number of admissions for one identifier within a trailing window.
type Rule struct {
	// MaxRequests is the number of requests admitted per window.
	MaxRequests int `json:"max_requests" mapstructure:"max_requests"`

	// Window is the length of the trailing window.
	Window time.Duration `json:"window" mapstructure:"window"`
}

// Valid reports whether the rule can admit anything at all.
func (r Rule) Valid() bool {
	return r.MaxRequests > 0 && r.Window > 0
}

// WindowState represents the current admission state for an identifier.
type WindowState struct {
	// Identifier is the origin + path the window belongs to.
	Identifier string `json:"identifier"`

	// Count is the number of admissions inside the trailing window.
	Count int `json:"count"`

	// Remaining is the number of admissions left before requests are denied.
	Remaining int `json:"remaining"`

	// ResetIn is the time until the oldest admission leaves the window.
	// Zero when the window is empty.
	ResetIn time.Duration `json:"reset_in"`
}

// IsExhausted returns true if the next request would be denied.
func (s WindowState) IsExhausted() bool {
	return s.Remaining <= 0
}

// Identifier derives the rate limit identifier (origin + path) for a URL.
func Identifier(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host + u.Path
}

// Package domain holds the core entities of the compliance platform (§3)
// and their closed enumerations. Types here carry no persistence or
// transport concerns; those live in internal/store and its callers.
package domain

import "time"

// SourceKind is the closed set of regulatory source kinds.
type SourceKind string

const (
	SourceKindFeed    SourceKind = "feed"
	SourceKindHTTPAPI SourceKind = "http-api"
	SourceKindWeb     SourceKind = "web"
)

// RegulatorySource is an external feed the poller watches.
// Immutable except for LastPolled and Active.
type RegulatorySource struct {
	ID                 string
	Kind               SourceKind
	Endpoint           string
	Jurisdiction       string
	PollIntervalMinutes int
	Active             bool
	LastPolled         time.Time
	AuthHeaders        map[string]string
	ConsecutiveFailures int
}

// Degraded reports whether the source's consecutive failures have reached
// the configured threshold (§4.1).
func (s *RegulatorySource) Degraded(maxConsecutiveFailures int) bool {
	return s.ConsecutiveFailures >= maxConsecutiveFailures
}

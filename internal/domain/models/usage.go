package models

import "time"

// APIKeyUsage is one immutable record per completed request. Records are
// written by the usage recorder off the request path and read by the rotation
// engine and external compliance reporting.
type APIKeyUsage struct {
	ID        int64
	KeyID     string
	Timestamp time.Time

	SourceIP     string
	Endpoint     string
	Method       string
	StatusCode   int
	ResponseTime time.Duration
	BytesOut     int64

	SecurityFlags      []string
	SuspiciousActivity bool

	DataAccessed           bool
	IndigenousDataAccessed bool
	DataResidencyCompliant bool
}

// UsageFilter narrows usage queries for the export interface.
type UsageFilter struct {
	KeyID string
	From  time.Time
	To    time.Time
	Limit int
}

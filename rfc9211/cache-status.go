// Package rfc9211 builds the Cache-Status response header field (RFC 9211).
package rfc9211

import "strings"

// HeaderName is the name of the response header field.
const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus describes how one cache handled one request.
type CacheStatus struct {
	// Identifies the cache in the header value.
	Cache     string
	Status    Status
	FwdReason FwdReason
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the header field value, e.g. `CacheProxy; fwd=uri-miss`.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cs.Cache)
	if cs.Status == StatusHit {
		b.WriteString("; hit")
	} else if cs.FwdReason != "" {
		b.WriteString("; fwd=")
		b.WriteString(string(cs.FwdReason))
	}
	if cs.Detail != "" {
		b.WriteString("; detail=")
		b.WriteString(cs.Detail)
	}
	return b.String()
}

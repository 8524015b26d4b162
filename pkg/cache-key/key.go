package cachekey

import (
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// DefaultParam is the query parameter carrying the target URL.
const DefaultParam = "url"

var (
	ErrMissingTarget = errors.New("target url parameter missing")
	ErrInvalidTarget = errors.New("target url invalid")
)

// CacheKeyer extracts cache keys from inbound proxy requests.
type CacheKeyer struct {
	// Query parameter carrying the target URL.
	Param string
}

func NewCacheKeyer(param string) CacheKeyer {
	if param == "" {
		param = DefaultParam
	}
	return CacheKeyer{Param: param}
}

// FromRequest returns the cache key and the parsed target URL of a proxy request.
// The key is the percent-decoded parameter value exactly as sent;
// no normalization is applied, so e.g. trailing slashes or query order yield different keys.
// Only absolute http(s) URLs with a host are accepted.
func (c CacheKeyer) FromRequest(r *http.Request) (string, *url.URL, error) {
	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return "", nil, errors.Wrap(ErrInvalidTarget, err.Error())
	}
	values, ok := query[c.Param]
	if !ok || len(values) == 0 || values[0] == "" {
		return "", nil, ErrMissingTarget
	}
	key := values[0]
	target, err := url.Parse(key)
	if err != nil {
		return "", nil, errors.Wrap(ErrInvalidTarget, err.Error())
	}
	if !target.IsAbs() || target.Host == "" {
		return "", nil, errors.Wrapf(ErrInvalidTarget, "%q is not an absolute url", key)
	}
	// url.Parse lowercases the scheme
	if target.Scheme != "http" && target.Scheme != "https" {
		return "", nil, errors.Wrapf(ErrInvalidTarget, "unsupported scheme %q", target.Scheme)
	}
	return key, target, nil
}

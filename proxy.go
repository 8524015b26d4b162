package cacheproxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/cacheproxy/cache"
	cachekey "github.com/always-cache/cacheproxy/pkg/cache-key"
	codec "github.com/always-cache/cacheproxy/pkg/entry-codec"
	tee "github.com/always-cache/cacheproxy/pkg/response-writer-tee"
	"github.com/always-cache/cacheproxy/rfc9211"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Doer performs outbound HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	// Response cache. Required.
	Cache *cache.Cache
	// Client for origin requests.
	// A http.Client using OriginTimeout is created if nil.
	Client Doer
	// Timeout for origin requests when no Client is given. Zero means no timeout.
	OriginTimeout time.Duration
	// Query parameter carrying the target URL. Defaults to "url".
	Param string
	// Name of this cache in the Cache-Status header. Defaults to "CacheProxy".
	Name string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Proxy struct {
	cache  *cache.Cache
	client Doer
	keyer  cachekey.CacheKeyer
	name   string
	log    zerolog.Logger
}

// OriginError is a transport-level failure to fetch a target.
type OriginError struct {
	URL string
	Err error
}

func (e *OriginError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *OriginError) Unwrap() error {
	return e.Err
}

// New creates the proxy.
func New(config Config) *Proxy {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	p := &Proxy{
		cache:  config.Cache,
		client: config.Client,
		keyer:  cachekey.NewCacheKeyer(config.Param),
		name:   config.Name,
		log:    logger,
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: config.OriginTimeout}
	}
	if p.name == "" {
		p.name = "CacheProxy"
	}
	return p
}

// ServeHTTP implements the http.Handler interface.
// It extracts the target URL from the request and rejects malformed
// requests with an empty 400 response.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, target, err := p.keyer.FromRequest(r)
	if err != nil {
		p.getLogger(r).Debug().Err(err).Str("query", r.URL.RawQuery).Msg("Rejecting proxy request")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.ServeTarget(w, r, key, target)
}

// ServeTarget serves the target either from the cache or from the origin.
// Origin responses are streamed to the client and, once completely and
// successfully delivered, queued for storage under key.
func (p *Proxy) ServeTarget(w http.ResponseWriter, r *http.Request, key string, target *url.URL) {
	log := p.getLogger(r).With().Str("key", key).Logger()
	cs := rfc9211.CacheStatus{Cache: p.name}
	cs.Forward(rfc9211.FwdReasonUriMiss)

	entry, ok, err := p.cache.Get(key)
	if err != nil {
		// a corrupt entry is never served; the fresh response will replace it
		log.Warn().Err(err).Msg("Could not read cached entry, fetching from origin")
		cs.Forward(rfc9211.FwdReasonMiss)
		cs.Detail = "unreadable-entry"
	} else if ok {
		body, size, err := p.cache.OpenBody(entry)
		if err == nil {
			cs.Hit()
			p.sendStored(w, r, entry, body, size, cs, log)
			return
		}
		log.Warn().Err(err).Msg("Could not open cached body, fetching from origin")
		cs.Forward(rfc9211.FwdReasonMiss)
		cs.Detail = "unreadable-body"
	}

	p.forward(w, r, key, target, cs, log)
}

func (p *Proxy) sendStored(w http.ResponseWriter, r *http.Request, entry codec.Entry, body io.ReadCloser, size int64, cs rfc9211.CacheStatus, log zerolog.Logger) {
	defer body.Close()
	log.Trace().Msg("Cache hit and serving")

	// the stored Content-Length describes the origin transfer, not the stored body
	entry.Header.Without("Content-Length").Write(w.Header())
	if bodyAllowedForStatus(entry.Status) {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Add(rfc9211.HeaderName, cs.String())
	w.WriteHeader(entry.Status)

	bytesWritten, err := io.Copy(w, body)
	if err != nil {
		log.Debug().Err(err).Msg("Could not write cached body to client")
	}
	p.logRequest(r, log, entry.Status, cs, bytesWritten)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, key string, target *url.URL, cs rfc9211.CacheStatus, log zerolog.Logger) {
	log.Trace().Str("target", target.String()).Msg("Forwarding to origin")

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		log.Error().Err(err).Msg("Could not create origin request")
		http.Error(w, "Could not create origin request", http.StatusBadGateway)
		return
	}
	res, err := p.client.Do(req)
	if err != nil {
		err = &OriginError{URL: key, Err: err}
		log.Error().Err(err).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	// status and headers are fixed from here on
	status := res.StatusCode
	header := codec.HeaderFromHTTP(res.Header)

	header.Without("Content-Length").Write(w.Header())
	if res.ContentLength >= 0 && bodyAllowedForStatus(status) {
		w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	w.Header().Add(rfc9211.HeaderName, cs.String())

	rwtee := tee.NewResponseSaver(w)
	rwtee.WriteHeader(status)
	bytesWritten, err := io.Copy(rwtee, res.Body)
	p.logRequest(r, log, status, cs, bytesWritten)

	switch {
	case err != nil && rwtee.Err() != nil:
		log.Debug().Err(err).Msg("Client went away, not caching")
	case err != nil:
		log.Warn().Err(err).Msg("Could not read body from origin, not caching")
	case r.Context().Err() != nil:
		log.Debug().Err(r.Context().Err()).Msg("Request cancelled, not caching")
	case res.ContentLength >= 0 && bytesWritten != res.ContentLength:
		log.Warn().Int64("expected", res.ContentLength).Int64("received", bytesWritten).Msg("Incomplete body from origin, not caching")
	case !isSuccess(rwtee.StatusCode()):
		log.Trace().Int("status", rwtee.StatusCode()).Msg("Non-success response, not caching")
	default:
		err := p.cache.PutAsync(key, codec.Entry{
			URL:    key,
			Status: rwtee.StatusCode(),
			Header: header,
			Body:   rwtee.Body(),
		})
		if err != nil {
			log.Debug().Err(err).Msg("Could not queue response for caching")
			return
		}
		log.Trace().Dur("elapsed", time.Since(rwtee.CreatedAt)).Msg("Queued response for caching")
	}
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// bodyAllowedForStatus mirrors net/http: 1xx, 204 and 304 responses have no body.
func bodyAllowedForStatus(statusCode int) bool {
	switch {
	case statusCode >= 100 && statusCode <= 199:
		return false
	case statusCode == http.StatusNoContent:
		return false
	case statusCode == http.StatusNotModified:
		return false
	}
	return true
}

func (p *Proxy) logRequest(r *http.Request, log zerolog.Logger, status int, cs rfc9211.CacheStatus, bytesWritten int64) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("cache", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Int64("bytes", bytesWritten).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the proxy logger.
func (p *Proxy) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &p.log
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response body to a buffer.
// Everything written is forwarded to the underlying http.ResponseWriter as well.
// Once a write to the client fails, every later write fails with the same error
// and the saved response must not be stored.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	status       int
	wroteHeaders bool
	writeErr     error
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	if n, err := t.rw.Write(b); err != nil {
		t.writeErr = err
		return n, err
	}
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
	return t.b.Write(b)
}

// Body returns the bytes forwarded so far.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Err returns the first error returned by the underlying http.ResponseWriter.
func (t *ResponseSaver) Err() error {
	return t.writeErr
}

// NewResponseSaver returns a new ResponseSaver tee'ing to w.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
	}
}

package codec

import (
	"bytes"
	"net/http"
	"sort"
	"strings"
)

// Entry is a stored origin response.
// The body is either inline (Body) or a reference to a blob file (BodyRef),
// never both.
type Entry struct {
	// The canonical URL the response was fetched from.
	URL string
	// HTTP status code of the origin response.
	Status int
	// Header fields exactly as received from the origin.
	Header Header
	// Inline body.
	Body []byte
	// Name of the blob file holding the body, relative to the blob root.
	BodyRef string
}

// HasBlob reports whether the body lives in a blob file.
func (e Entry) HasBlob() bool {
	return e.BodyRef != ""
}

// Equal compares two entries field by field.
// Nil and empty slices are considered equal.
func (e Entry) Equal(o Entry) bool {
	return e.URL == o.URL &&
		e.Status == o.Status &&
		e.Header.Equal(o.Header) &&
		bytes.Equal(e.Body, o.Body) &&
		e.BodyRef == o.BodyRef
}

// Field is a single header name with all of its values.
type Field struct {
	Name   string
	Values []string
}

// Header is an ordered list of header fields.
type Header []Field

// HeaderFromHTTP converts a http.Header into a Header.
// Names are kept as they appear in the map and fields are ordered by name.
func HeaderFromHTTP(h http.Header) Header {
	if len(h) == 0 {
		return nil
	}
	header := make(Header, 0, len(h))
	for name, values := range h {
		vv := make([]string, len(values))
		copy(vv, values)
		header = append(header, Field{Name: name, Values: vv})
	}
	sort.Slice(header, func(i, j int) bool {
		return header[i].Name < header[j].Name
	})
	return header
}

// Write appends all fields to dst.
// Names are used as-is (not canonicalized) so their case survives.
func (h Header) Write(dst http.Header) {
	for _, f := range h {
		dst[f.Name] = append(dst[f.Name], f.Values...)
	}
}

// Without returns a copy of the header with all fields named `name` removed.
// The name comparison is case-insensitive.
func (h Header) Without(name string) Header {
	out := make(Header, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// Values returns all values of the fields named `name` (case-insensitive).
func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Values...)
		}
	}
	return values
}

func (h Header) Equal(o Header) bool {
	if len(h) != len(o) {
		return false
	}
	for i := range h {
		if h[i].Name != o[i].Name || len(h[i].Values) != len(o[i].Values) {
			return false
		}
		for j := range h[i].Values {
			if h[i].Values[j] != o[i].Values[j] {
				return false
			}
		}
	}
	return true
}

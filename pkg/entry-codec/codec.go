package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"path/filepath"

	"github.com/pkg/errors"
)

// Stored entry layout:
//
//	"PCE\x01"
//	url (uvarint length + bytes)
//	status (uint16, big endian)
//	field count (uvarint), then per field:
//	  name (uvarint length + bytes)
//	  value count (uvarint), then values (uvarint length + bytes)
//	body kind (1 byte, 0 = inline, 1 = blob reference)
//	body or reference (uvarint length + bytes)
//	crc32 (IEEE, big endian) of everything above
var formatTag = []byte("PCE\x01")

const (
	bodyInline byte = 0
	bodyBlob   byte = 1
)

var (
	ErrFormatTag    = errors.New("codec: format tag mismatch")
	ErrTruncated    = errors.New("codec: entry truncated")
	ErrChecksum     = errors.New("codec: checksum mismatch")
	ErrTrailingData = errors.New("codec: trailing data after entry")
	ErrInvalidEntry = errors.New("codec: invalid entry")
)

// Encode serializes an entry.
func Encode(e Entry) ([]byte, error) {
	if e.Status < 100 || e.Status > 999 {
		return nil, errors.Wrapf(ErrInvalidEntry, "status %d", e.Status)
	}
	if e.BodyRef != "" && len(e.Body) > 0 {
		return nil, errors.Wrap(ErrInvalidEntry, "both inline body and blob reference set")
	}

	size := len(formatTag) + len(e.URL) + len(e.Body) + len(e.BodyRef) + 32
	for _, f := range e.Header {
		size += len(f.Name) + 8
		for _, v := range f.Values {
			size += len(v) + 4
		}
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))

	buf.Write(formatTag)
	writeString(buf, e.URL)
	var status [2]byte
	binary.BigEndian.PutUint16(status[:], uint16(e.Status))
	buf.Write(status[:])

	writeUvarint(buf, uint64(len(e.Header)))
	for _, f := range e.Header {
		writeString(buf, f.Name)
		writeUvarint(buf, uint64(len(f.Values)))
		for _, v := range f.Values {
			writeString(buf, v)
		}
	}

	if e.BodyRef != "" {
		buf.WriteByte(bodyBlob)
		writeString(buf, e.BodyRef)
	} else {
		buf.WriteByte(bodyInline)
		writeUvarint(buf, uint64(len(e.Body)))
		buf.Write(e.Body)
	}

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(sum[:])

	return buf.Bytes(), nil
}

// Decode deserializes an entry produced by Encode.
// It fails with one of the package's sentinel errors and never returns
// partially decoded data.
func Decode(b []byte) (Entry, error) {
	if len(b) < len(formatTag) {
		if bytes.HasPrefix(formatTag, b) {
			return Entry{}, errors.Wrap(ErrTruncated, "format tag")
		}
		return Entry{}, ErrFormatTag
	}
	if !bytes.Equal(b[:len(formatTag)], formatTag) {
		return Entry{}, ErrFormatTag
	}

	d := decoder{b: b, off: len(formatTag)}
	var e Entry
	e.URL = d.str("url")
	e.Status = int(d.u16("status"))

	fields := d.count("header count")
	if fields > 0 {
		e.Header = make(Header, 0, fields)
	}
	for i := 0; i < fields && d.err == nil; i++ {
		f := Field{Name: d.str("header name")}
		values := d.count("header value count")
		if values > 0 {
			f.Values = make([]string, 0, values)
		}
		for j := 0; j < values && d.err == nil; j++ {
			f.Values = append(f.Values, d.str("header value"))
		}
		e.Header = append(e.Header, f)
	}

	switch kind := d.octet("body kind"); {
	case d.err != nil:
	case kind == bodyInline:
		if body := d.raw("body"); len(body) > 0 {
			e.Body = append([]byte(nil), body...)
		}
	case kind == bodyBlob:
		e.BodyRef = d.str("body reference")
	default:
		d.fail(errors.Wrapf(ErrInvalidEntry, "unknown body kind %d", kind))
	}

	if d.err != nil {
		return Entry{}, d.err
	}
	end := d.off
	switch rest := len(b) - end; {
	case rest < 4:
		return Entry{}, errors.Wrap(ErrTruncated, "checksum")
	case rest > 4:
		return Entry{}, errors.Wrapf(ErrTrailingData, "%d bytes", rest-4)
	}
	if crc32.ChecksumIEEE(b[:end]) != binary.BigEndian.Uint32(b[end:]) {
		return Entry{}, ErrChecksum
	}
	return e, nil
}

// Digest returns a filesystem-safe, fixed length digest of a cache key.
// It is the URL-safe unpadded base64 encoding of the key's SHA-256.
func Digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// StoragePath returns the path of the blob file for the given key.
func StoragePath(root, key string) string {
	return filepath.Join(root, Digest(key))
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// decoder reads from b starting at off.
// The first error is kept and all subsequent reads are no-ops.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) remaining() int {
	return len(d.b) - d.off
}

func (d *decoder) uvarint(what string) uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.b[d.off:])
	if n == 0 {
		d.fail(errors.Wrap(ErrTruncated, what))
		return 0
	}
	if n < 0 {
		d.fail(errors.Wrapf(ErrInvalidEntry, "%s overflows", what))
		return 0
	}
	d.off += n
	return v
}

// count reads a length or element count, which can never exceed the number
// of bytes left in the input.
func (d *decoder) count(what string) int {
	v := d.uvarint(what)
	if d.err != nil {
		return 0
	}
	if v > uint64(d.remaining()) {
		d.fail(errors.Wrap(ErrTruncated, what))
		return 0
	}
	return int(v)
}

func (d *decoder) raw(what string) []byte {
	n := d.count(what)
	if d.err != nil {
		return nil
	}
	b := d.b[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) str(what string) string {
	return string(d.raw(what))
}

func (d *decoder) u16(what string) uint16 {
	if d.err != nil {
		return 0
	}
	if d.remaining() < 2 {
		d.fail(errors.Wrap(ErrTruncated, what))
		return 0
	}
	v := binary.BigEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decoder) octet(what string) byte {
	if d.err != nil {
		return 0
	}
	if d.remaining() < 1 {
		d.fail(errors.Wrap(ErrTruncated, what))
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

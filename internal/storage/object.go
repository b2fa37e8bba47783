package storage

import (
	"bytes"
	"cmp"
	"io"
	"log/slog"
	"strings"

	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// StorageObject pairs an object's backend key and location with its
// metadata and an optional payload.
//
// The payload belongs to the call that produced it: it is read at most once
// and must be released with Close. Identity is (Name, URI, ETag); the
// payload takes no part in Equal or Compare.
type StorageObject struct {
	// Name is the backend key. It is never empty.
	Name string
	// URI locates the object at its provider. It may be empty for objects
	// that have not been stored yet.
	URI string
	// Metadata is never nil.
	Metadata *metadata.Metadata
	// Payload is the object content, or nil.
	Payload io.ReadCloser
}

// NewStorageObject returns a StorageObject. name is required. When md is
// nil, fresh Metadata is created and its Content-Length is taken from the
// payload if the payload reports a length (Len() int or Size() int64), or 0.
func NewStorageObject(name, uri string, md *metadata.Metadata, payload io.ReadCloser) (*StorageObject, error) {
	if name == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	if md == nil {
		md = metadata.New()
		md.SetContentLength(payloadLength(payload))
	}
	return &StorageObject{Name: name, URI: uri, Metadata: md, Payload: payload}, nil
}

// payloadLength returns the length a payload reports about itself, or 0.
func payloadLength(p any) int64 {
	switch v := p.(type) {
	case nil:
		return 0
	case interface{ Len() int }:
		return int64(v.Len())
	case interface{ Size() int64 }:
		return v.Size()
	}
	return 0
}

// ETag returns the ETag from the object's metadata.
func (o *StorageObject) ETag() string {
	if o == nil || o.Metadata == nil {
		return ""
	}
	return o.Metadata.ETag()
}

// Equal reports whether o and other have the same name, URI and ETag. ETags
// compare without surrounding quotes. Two objects without an ETag are equal
// only when name and URI match as well.
func (o *StorageObject) Equal(other *StorageObject) bool {
	if o == other {
		return true
	}
	if o == nil || other == nil {
		return false
	}
	return o.Name == other.Name &&
		o.URI == other.URI &&
		normalizeETag(o.ETag()) == normalizeETag(other.ETag())
}

// Compare orders objects by name, then URI, then unquoted ETag, so it
// returns 0 exactly when Equal holds. A nil argument sorts first, so any
// non-nil object compares greater than it.
func (o *StorageObject) Compare(other *StorageObject) int {
	if other == nil {
		return 1
	}
	return cmp.Or(
		strings.Compare(o.Name, other.Name),
		strings.Compare(o.URI, other.URI),
		strings.Compare(normalizeETag(o.ETag()), normalizeETag(other.ETag())),
	)
}

// Close releases the payload, if any. Failures are logged, not returned:
// they must not mask a read or write that already completed.
func (o *StorageObject) Close() {
	if o == nil || o.Payload == nil {
		return
	}
	closePayload(o.Name, o.Payload)
	o.Payload = nil
}

func closePayload(key string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("closing payload", "key", key, "error", err)
	}
}

func normalizeETag(etag string) string {
	return strings.Trim(strings.TrimPrefix(etag, "W/"), `"`)
}

// bytesPayload is an in-memory payload that reports its remaining length.
type bytesPayload struct {
	*bytes.Reader
}

func (bytesPayload) Close() error { return nil }

// BytesPayload returns a payload over data. It reports its length, so
// NewStorageObject can derive Content-Length from it.
func BytesPayload(data []byte) io.ReadCloser {
	return &bytesPayload{Reader: bytes.NewReader(data)}
}

// readPayload reads the payload into memory and releases it.
func readPayload(o *StorageObject) ([]byte, error) {
	if o.Payload == nil {
		return nil, nil
	}
	defer o.Close()
	return io.ReadAll(o.Payload)
}

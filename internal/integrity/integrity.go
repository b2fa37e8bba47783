// Package integrity verifies downloaded content against the checksum the
// storage provider asserts for it.
//
// Streams are consumed exactly once: a DigestReader computes the digest while
// the bytes are read, so verification never buffers the stream twice.
package integrity

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strings"

	objerr "github.com/bleepstore/objectstore/internal/errors"
)

// Supported digest algorithms.
const (
	MD5    = "MD5"
	SHA256 = "SHA-256"
)

// NewHash returns a new hash for the named algorithm.
func NewHash(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case MD5:
		return md5.New(), nil
	case SHA256, "SHA256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// DigestReader wraps a reader and hashes every byte read through it.
type DigestReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewDigestReader returns a DigestReader reading from r into h.
func NewDigestReader(r io.Reader, h hash.Hash) *DigestReader {
	return &DigestReader{r: r, h: h}
}

// Read implements io.Reader.
func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of the bytes read so far.
func (d *DigestReader) Sum() []byte {
	return d.h.Sum(nil)
}

// BytesRead returns the number of bytes read so far.
func (d *DigestReader) BytesRead() int64 {
	return d.n
}

// Verify reads r to completion, closes it, and returns the bytes read if
// their MD5 digest equals expected. See VerifyWith.
func Verify(key string, r io.ReadCloser, expected []byte) ([]byte, error) {
	return VerifyWith(key, MD5, r, expected)
}

// VerifyWith reads r to completion through a digest of the given algorithm
// and compares the result with expected. r is always drained and closed,
// whatever the outcome; close failures are logged only.
//
// A missing expected digest, an unsupported algorithm and a mismatch all
// fail with a *errors.ContentValidationError. Unverified bytes are never
// returned. A read failure is returned as a provider fault.
func VerifyWith(key, algorithm string, r io.ReadCloser, expected []byte) ([]byte, error) {
	defer closeQuietly(key, r)

	h, err := NewHash(algorithm)
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
		return nil, &objerr.ContentValidationError{Key: key, Algorithm: algorithm, Err: err}
	}

	dr := NewDigestReader(r, h)
	data, err := io.ReadAll(dr)
	if err != nil {
		return nil, objerr.Provider("reading content", key, err)
	}

	actual := dr.Sum()
	if len(expected) == 0 || !bytes.Equal(actual, expected) {
		return nil, &objerr.ContentValidationError{
			Key:       key,
			Algorithm: algorithm,
			Expected:  hex.EncodeToString(expected),
			Actual:    hex.EncodeToString(actual),
		}
	}
	return data, nil
}

// ExpectedFromETag decodes an ETag holding a hex MD5 digest. Surrounding
// quotes and a weak-validator prefix are ignored. Multipart ETags
// ("<hex>-<parts>") are not digests of the content and are rejected.
func ExpectedFromETag(etag string) ([]byte, bool) {
	etag = strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	etag = strings.Trim(etag, `"`)
	if len(etag) != hex.EncodedLen(md5.Size) {
		return nil, false
	}
	b, err := hex.DecodeString(etag)
	if err != nil {
		return nil, false
	}
	return b, true
}

// ExpectedFromContentMD5 decodes a base64 Content-MD5 header value.
func ExpectedFromContentMD5(value string) ([]byte, bool) {
	if value == "" {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil || len(b) != md5.Size {
		return nil, false
	}
	return b, true
}

// ExpectedChecksum returns the MD5 digest asserted by an ETag or, failing
// that, by a Content-MD5 value. It returns nil when neither holds one.
func ExpectedChecksum(etag, contentMD5 string) []byte {
	if b, ok := ExpectedFromETag(etag); ok {
		return b
	}
	if b, ok := ExpectedFromContentMD5(contentMD5); ok {
		return b
	}
	return nil
}

// HexMD5 returns the hex MD5 digest of data, the form S3 uses for ETags.
func HexMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func closeQuietly(key string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("closing content stream", "key", key, "error", err)
	}
}

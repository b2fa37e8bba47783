package metadata

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"

	"github.com/bleepstore/objectstore/internal/integrity"
)

// digestAlgorithm is the algorithm behind Content-MD5. It is a variable so
// tests can exercise the unavailable-algorithm path.
var digestAlgorithm = integrity.MD5

// FromBytes returns Metadata with the Content-Length and base64 Content-MD5
// of data. When the digest cannot be computed the failure is logged and only
// the length is set.
func FromBytes(data []byte) *Metadata {
	m := New()
	m.SetContentLength(int64(len(data)))

	h, err := integrity.NewHash(digestAlgorithm)
	if err != nil {
		slog.Error("cannot compute content digest", "algorithm", digestAlgorithm, "error", err)
		return m
	}
	h.Write(data)
	m.SetContentMD5(base64.StdEncoding.EncodeToString(h.Sum(nil)))
	return m
}

// FromReader reads r to completion once and returns its bytes together with
// Metadata holding their length and base64 Content-MD5. r is exhausted after
// the call; only the returned bytes remain usable. id is used in diagnostics.
func FromReader(id string, r io.Reader) ([]byte, *Metadata, error) {
	h, err := integrity.NewHash(digestAlgorithm)
	if err != nil {
		slog.Error("cannot compute content digest", "id", id, "algorithm", digestAlgorithm, "error", err)
		data, rerr := io.ReadAll(r)
		if rerr != nil {
			return nil, nil, fmt.Errorf("reading content of %q: %w", id, rerr)
		}
		m := New()
		m.SetContentLength(int64(len(data)))
		return data, m, nil
	}

	dr := integrity.NewDigestReader(r, h)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dr); err != nil {
		return nil, nil, fmt.Errorf("reading content of %q: %w", id, err)
	}

	m := New()
	m.SetContentLength(dr.BytesRead())
	m.SetContentMD5(base64.StdEncoding.EncodeToString(dr.Sum()))
	return buf.Bytes(), m, nil
}

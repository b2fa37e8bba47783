// Package storage defines the uniform object storage client contract and
// its provider adapters.
//
// Every adapter translates errors at its own boundary: a missing key is an
// absent result on read paths, invalid input fails before any provider call,
// and every other provider failure is wrapped as errors.ErrProviderFault
// with the SDK error attached.
package storage

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"sync/atomic"

	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// Client is the capability set shared by all storage providers. A Client
// holds one pooled connection set and is safe for concurrent use. After
// Close, every operation returns errors.ErrClosed.
type Client interface {
	// Name returns the display name of the provider, e.g. "Amazon S3".
	Name() string

	// BucketName returns the bucket or container this client works on.
	BucketName() string

	// List returns a descriptor for every object in the bucket, paging
	// through the provider listing until it is exhausted. Descriptors carry
	// summary metadata (size, ETag, last-modified) and no payload.
	List(ctx context.Context) ([]*StorageObject, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Put uploads payload under key and returns the server-assigned ETag.
	// The payload is read once to derive its length and MD5.
	Put(ctx context.Context, key string, payload io.Reader) (string, error)

	// PutObject uploads obj and returns the server-assigned ETag. It fails
	// with errors.ErrInvalidArgument when obj declares no content length.
	// The payload is always closed.
	PutObject(ctx context.Context, obj *StorageObject) (string, error)

	// Get returns the object with its payload, or nil when key is absent.
	// The caller must Close the returned object.
	Get(ctx context.Context, key string) (*StorageObject, error)

	// GetVerified is Get followed by verification of the payload against
	// the object's ETag or Content-MD5. On success the payload holds the
	// verified bytes; on mismatch it fails with errors.ErrContentValidation.
	GetVerified(ctx context.Context, key string) (*StorageObject, error)

	// GetWithoutBody returns the object with a zero-length payload, or nil
	// when key is absent.
	GetWithoutBody(ctx context.Context, key string) (*StorageObject, error)

	// GetContent returns the object content, or an empty slice when key is
	// absent.
	GetContent(ctx context.Context, key string) ([]byte, error)

	// GetMetadata returns the object metadata, or nil when key is absent.
	GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error)

	// Delete removes key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// Close releases the client's connections. Only the first call has
	// any effect.
	Close() error
}

// lifecycle guards a client against use after Close.
type lifecycle struct {
	closed atomic.Bool
}

// check returns errors.ErrClosed once the client has been closed.
func (l *lifecycle) check() error {
	if l.closed.Load() {
		return objerr.ErrClosed
	}
	return nil
}

// markClosed reports whether this call performed the transition to closed.
func (l *lifecycle) markClosed() bool {
	return l.closed.CompareAndSwap(false, true)
}

// upload is a payload prepared for a provider call.
type upload struct {
	key  string
	data []byte
	md   *metadata.Metadata
}

// prepareUpload validates obj and reads its payload into memory, closing it.
// It rejects a missing name, a zero declared length and a payload whose size
// differs from the declared length. A Content-MD5 that does not match the
// payload fails with a content validation error; a missing one is computed.
func prepareUpload(obj *StorageObject) (*upload, error) {
	if obj == nil || obj.Name == "" {
		if obj != nil && obj.Payload != nil {
			closePayload("", obj.Payload)
		}
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	md := obj.Metadata
	if md == nil {
		md = metadata.New()
	}
	if md.ContentLength() <= 0 {
		obj.Close()
		return nil, objerr.InvalidArgument(obj.Name, "content length is required and must be greater than zero")
	}
	if obj.Payload == nil {
		return nil, objerr.InvalidArgument(obj.Name, "payload is required")
	}

	data, err := readPayload(obj)
	if err != nil {
		return nil, objerr.Provider("reading payload", obj.Name, err)
	}
	if int64(len(data)) != md.ContentLength() {
		return nil, objerr.InvalidArgument(obj.Name, "payload has %d bytes, content length declares %d", len(data), md.ContentLength())
	}

	md = md.Clone()
	computed := metadata.FromBytes(data).ContentMD5()
	if declared := md.ContentMD5(); declared != "" && computed != "" && declared != computed {
		expected := declared
		if sum, ok := integrity.ExpectedFromContentMD5(declared); ok {
			expected = hex.EncodeToString(sum)
		}
		return nil, &objerr.ContentValidationError{
			Key:       obj.Name,
			Algorithm: integrity.MD5,
			Expected:  expected,
			Actual:    integrity.HexMD5(data),
		}
	}
	if md.ContentMD5() == "" {
		md.SetContentMD5(computed)
	}
	return &upload{key: obj.Name, data: data, md: md}, nil
}

// putReader implements Client.Put on top of PutObject.
func putReader(ctx context.Context, c Client, key string, payload io.Reader) (string, error) {
	if key == "" {
		return "", objerr.InvalidArgument("", "object name is required")
	}
	if payload == nil {
		return "", objerr.InvalidArgument(key, "payload is required")
	}
	data, md, err := metadata.FromReader(key, payload)
	if err != nil {
		return "", objerr.Provider("reading payload", key, err)
	}
	obj, err := NewStorageObject(key, "", md, BytesPayload(data))
	if err != nil {
		return "", err
	}
	return c.PutObject(ctx, obj)
}

// verifyObject replaces obj's payload with its verified content. obj is
// released when verification fails.
func verifyObject(obj *StorageObject) (*StorageObject, error) {
	expected := integrity.ExpectedChecksum(obj.ETag(), obj.Metadata.ContentMD5())
	payload := obj.Payload
	obj.Payload = nil
	if payload == nil {
		payload = http.NoBody
	}
	data, err := integrity.Verify(obj.Name, payload, expected)
	if err != nil {
		return nil, err
	}
	obj.Payload = BytesPayload(data)
	return obj, nil
}

// contentOf reads a fetched object fully and releases it. A nil object
// yields an empty, non-nil slice.
func contentOf(obj *StorageObject) ([]byte, error) {
	if obj == nil {
		return []byte{}, nil
	}
	data, err := readPayload(obj)
	if err != nil {
		return nil, objerr.Provider("reading content", obj.Name, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/metadata"
	"github.com/bleepstore/objectstore/internal/metrics"
)

// instrumented decorates a Client with Prometheus metrics and debug logs.
type instrumented struct {
	next     Client
	provider string
}

// Instrument returns c wrapped so every operation is counted, timed and
// logged at debug level. The collectors in package metrics must be
// registered for the values to be exported.
func Instrument(c Client) Client {
	if _, ok := c.(*instrumented); ok {
		return c
	}
	return &instrumented{next: c, provider: c.Name()}
}

// Unwrap returns the decorated client.
func (i *instrumented) Unwrap() Client { return i.next }

func (i *instrumented) observe(op, key string, start time.Time, absent bool, err error) {
	elapsed := time.Since(start)
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case absent:
		outcome = metrics.OutcomeNotFound
	}
	metrics.OperationsTotal.WithLabelValues(i.provider, op, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(i.provider, op).Observe(elapsed.Seconds())
	if errors.Is(err, objerr.ErrContentValidation) {
		metrics.VerificationFailuresTotal.WithLabelValues(i.provider).Inc()
	}
	slog.Debug("storage operation",
		"provider", i.provider,
		"operation", op,
		"key", key,
		"outcome", outcome,
		"duration", elapsed,
		"error", err,
	)
}

func (i *instrumented) transferred(direction string, n int64) {
	if n > 0 {
		metrics.BytesTransferredTotal.WithLabelValues(i.provider, direction).Add(float64(n))
	}
}

func (i *instrumented) Name() string       { return i.next.Name() }
func (i *instrumented) BucketName() string { return i.next.BucketName() }

func (i *instrumented) List(ctx context.Context) ([]*StorageObject, error) {
	start := time.Now()
	objs, err := i.next.List(ctx)
	i.observe("list", "", start, false, err)
	return objs, err
}

func (i *instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Exists(ctx, key)
	i.observe("exists", key, start, !ok, err)
	return ok, err
}

// Put goes through PutObject so the upload size is known.
func (i *instrumented) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, i, key, payload)
}

func (i *instrumented) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
	start := time.Now()
	var size int64
	key := ""
	if obj != nil {
		key = obj.Name
		if obj.Metadata != nil {
			size = obj.Metadata.ContentLength()
		}
	}
	etag, err := i.next.PutObject(ctx, obj)
	i.observe("put", key, start, false, err)
	if err == nil {
		i.transferred(metrics.DirectionUpload, size)
	}
	return etag, err
}

func (i *instrumented) get(ctx context.Context, op, key string, fn func(context.Context, string) (*StorageObject, error)) (*StorageObject, error) {
	start := time.Now()
	obj, err := fn(ctx, key)
	i.observe(op, key, start, obj == nil, err)
	if obj != nil && op != "get_without_body" {
		i.transferred(metrics.DirectionDownload, obj.Metadata.ContentLength())
	}
	return obj, err
}

func (i *instrumented) Get(ctx context.Context, key string) (*StorageObject, error) {
	return i.get(ctx, "get", key, i.next.Get)
}

func (i *instrumented) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	return i.get(ctx, "get_verified", key, i.next.GetVerified)
}

func (i *instrumented) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	return i.get(ctx, "get_without_body", key, i.next.GetWithoutBody)
}

func (i *instrumented) GetContent(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := i.next.GetContent(ctx, key)
	// Stored objects are never empty, so no content means absent.
	i.observe("get_content", key, start, err == nil && len(data) == 0, err)
	i.transferred(metrics.DirectionDownload, int64(len(data)))
	return data, err
}

func (i *instrumented) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	start := time.Now()
	md, err := i.next.GetMetadata(ctx, key)
	i.observe("get_metadata", key, start, md == nil, err)
	return md, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.Delete(ctx, key)
	i.observe("delete", key, start, false, err)
	return err
}

func (i *instrumented) Close() error {
	return i.next.Close()
}

var _ Client = (*instrumented)(nil)

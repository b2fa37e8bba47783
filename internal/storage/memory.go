package storage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// memObject holds the raw data and stored headers of an in-memory object.
type memObject struct {
	data     []byte
	etag     string
	headers  map[string]string
	modified time.Time
}

// MemoryClient implements Client with an in-process map. It is meant for
// tests and local experiments; contents are lost on Close.
type MemoryClient struct {
	lifecycle

	bucket       string
	mu           sync.RWMutex
	objects      map[string]*memObject
	currentSize  int64
	maxSizeBytes int64
	now          func() time.Time
}

// NewMemoryClient creates an empty MemoryClient. A positive MaxSizeBytes
// caps the total payload size held.
func NewMemoryClient(cfg config.MemoryConfig) *MemoryClient {
	return &MemoryClient{
		bucket:       cfg.Bucket,
		objects:      make(map[string]*memObject),
		maxSizeBytes: cfg.MaxSizeBytes,
		now:          time.Now,
	}
}

func (c *MemoryClient) Name() string       { return "Memory" }
func (c *MemoryClient) BucketName() string { return c.bucket }

func (c *MemoryClient) objectURI(key string) string {
	return "mem://" + c.bucket + "/" + key
}

// List returns the objects sorted by key.
func (c *MemoryClient) List(ctx context.Context) ([]*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	objs := make([]*StorageObject, 0, len(keys))
	for _, k := range keys {
		o := c.objects[k]
		md := metadata.New()
		md.SetContentLength(int64(len(o.data)))
		md.SetETag(o.etag)
		md.SetLastModified(o.modified)
		objs = append(objs, &StorageObject{Name: k, URI: c.objectURI(k), Metadata: md})
	}
	return objs, nil
}

func (c *MemoryClient) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

func (c *MemoryClient) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutObject stores a copy of the payload, replacing any previous object.
func (c *MemoryClient) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
	if err := c.check(); err != nil {
		if obj != nil {
			obj.Close()
		}
		return "", err
	}
	up, err := prepareUpload(obj)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var prev int64
	if old, ok := c.objects[up.key]; ok {
		prev = int64(len(old.data))
	}
	newSize := c.currentSize - prev + int64(len(up.data))
	if c.maxSizeBytes > 0 && newSize > c.maxSizeBytes {
		return "", objerr.ErrProviderFault.WithKey(up.key).WithMessage(
			"memory limit exceeded: %d bytes used of %d", c.currentSize, c.maxSizeBytes)
	}

	etag := integrity.HexMD5(up.data)
	c.objects[up.key] = &memObject{
		data:     up.data,
		etag:     etag,
		headers:  persistedHeaders(up.md),
		modified: c.now().UTC().Truncate(time.Second),
	}
	c.currentSize = newSize
	return etag, nil
}

func (c *MemoryClient) Get(ctx context.Context, key string) (*StorageObject, error) {
	md, data, err := c.lookup(key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: BytesPayload(data)}, nil
}

func (c *MemoryClient) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

func (c *MemoryClient) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, _, err := c.lookup(key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

func (c *MemoryClient) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

func (c *MemoryClient) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	md, _, err := c.lookup(key)
	return md, err
}

// lookup returns the metadata and content of key, or nil metadata when
// absent. The content slice is shared and must not be modified.
func (c *MemoryClient) lookup(key string) (*metadata.Metadata, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	if key == "" {
		return nil, nil, objerr.InvalidArgument("", "object name is required")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.objects[key]
	if !ok {
		return nil, nil, nil
	}
	return storedMetadata(o.headers, int64(len(o.data)), o.etag, o.modified), o.data, nil
}

func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	if key == "" {
		return objerr.InvalidArgument("", "object name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.objects[key]; ok {
		c.currentSize -= int64(len(o.data))
		delete(c.objects, key)
	}
	return nil
}

// Close drops every stored object.
func (c *MemoryClient) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.mu.Lock()
	n := len(c.objects)
	c.objects = make(map[string]*memObject)
	c.currentSize = 0
	c.mu.Unlock()
	slog.Info("memory client closed", "bucket", c.bucket, "objects", n)
	return nil
}

// persistedHeaderNames are the headers embedded adapters keep per object,
// in addition to user metadata.
var persistedHeaderNames = []string{
	metadata.ContentType,
	metadata.ContentEncoding,
	metadata.ContentDisposition,
	metadata.ContentLanguage,
	metadata.CacheControl,
	metadata.ContentMD5,
}

// persistedHeaders extracts the headers an embedded adapter stores.
func persistedHeaders(md *metadata.Metadata) map[string]string {
	out := make(map[string]string)
	for _, name := range persistedHeaderNames {
		if v, ok := md.Get(name); ok {
			if s, ok := v.(string); ok && s != "" {
				out[name] = s
			}
		}
	}
	for name, value := range md.UserMetadata() {
		out[metadata.UserMetadataPrefix+name] = value
	}
	return out
}

// storedMetadata rebuilds Metadata from persisted headers.
func storedMetadata(headers map[string]string, size int64, etag string, modified time.Time) *metadata.Metadata {
	md := metadata.New()
	for k, v := range headers {
		md.Set(k, v)
	}
	md.SetContentLength(size)
	md.SetETag(etag)
	md.SetLastModified(modified)
	return md
}

// Ensure MemoryClient implements Client at compile time.
var _ Client = (*MemoryClient)(nil)

func init() {
	Register("memory", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		return NewMemoryClient(cfg.Memory), nil
	})
}

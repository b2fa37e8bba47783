package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// swiftPageSize is the number of entries requested per listing page.
const swiftPageSize = 1000

// SwiftClient implements Client for an OpenStack Swift container.
type SwiftClient struct {
	lifecycle

	container string
	client    SwiftAPI
}

// NewSwiftClient authenticates with Keystone and returns a client for
// cfg.Container.
func NewSwiftClient(ctx context.Context, cfg config.SwiftConfig) (*SwiftClient, error) {
	if cfg.Container == "" {
		return nil, objerr.InvalidArgument("", "swift container is required")
	}
	api, err := newRealSwiftClient(cfg)
	if err != nil {
		return nil, objerr.Provider("connecting to Swift", "", err)
	}
	slog.Info("Swift client initialized", "container", cfg.Container, "region", cfg.Region)
	return NewSwiftClientWithAPI(cfg.Container, api), nil
}

// NewSwiftClientWithAPI creates a SwiftClient with a pre-configured API.
// This is primarily used for testing with mock clients.
func NewSwiftClientWithAPI(container string, client SwiftAPI) *SwiftClient {
	return &SwiftClient{container: container, client: client}
}

func (c *SwiftClient) Name() string       { return "Swift" }
func (c *SwiftClient) BucketName() string { return c.container }

func (c *SwiftClient) objectURI(key string) string {
	return "swift://" + c.container + "/" + key
}

// List pages through the container listing until an empty page.
func (c *SwiftClient) List(ctx context.Context) ([]*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	lister := c.client.Objects(ctx, c.container)
	var objs []*StorageObject
	for {
		page, err := lister.NextPage(swiftPageSize)
		if err != nil {
			return nil, objerr.Provider("listing objects", "", err)
		}
		if len(page) == 0 {
			return objs, nil
		}
		for _, info := range page {
			md := metadata.New()
			md.SetContentLength(int64(info.SizeBytes))
			md.SetContentType(info.ContentType)
			md.SetETag(normalizeETag(info.Etag))
			if !info.LastModified.IsZero() {
				md.SetLastModified(info.LastModified)
			}
			objs = append(objs, &StorageObject{Name: info.Name, URI: c.objectURI(info.Name), Metadata: md})
		}
	}
}

func (c *SwiftClient) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

func (c *SwiftClient) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutObject uploads obj with its hex MD5 in the Etag header, which Swift
// checks against the received content.
func (c *SwiftClient) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
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

	etag := integrity.HexMD5(up.data)
	headers := map[string]string{"Etag": etag}
	for name, value := range map[string]string{
		metadata.ContentType:        up.md.ContentType(),
		metadata.ContentEncoding:    up.md.ContentEncoding(),
		metadata.ContentDisposition: up.md.ContentDisposition(),
		metadata.CacheControl:       up.md.CacheControl(),
	} {
		if value != "" {
			headers[name] = value
		}
	}
	for name, value := range up.md.UserMetadata() {
		headers[metadata.UserMetadataPrefix+name] = value
	}

	if err := c.client.Upload(ctx, c.container, up.key, bytes.NewReader(up.data), headers); err != nil {
		return "", objerr.Provider("uploading object", up.key, err)
	}
	return etag, nil
}

func (c *SwiftClient) Get(ctx context.Context, key string) (*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	body, hdr, err := c.client.Download(ctx, c.container, key)
	if err != nil {
		if errors.Is(err, errSwiftNotFound) {
			return nil, nil
		}
		return nil, objerr.Provider("downloading object", key, err)
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: swiftMetadata(hdr), Payload: body}, nil
}

func (c *SwiftClient) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

func (c *SwiftClient) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

func (c *SwiftClient) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

func (c *SwiftClient) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	hdr, err := c.client.Head(ctx, c.container, key)
	if err != nil {
		if errors.Is(err, errSwiftNotFound) {
			return nil, nil
		}
		return nil, objerr.Provider("reading object metadata", key, err)
	}
	return swiftMetadata(hdr), nil
}

func (c *SwiftClient) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	if key == "" {
		return objerr.InvalidArgument("", "object name is required")
	}
	if err := c.client.Delete(ctx, c.container, key); err != nil && !errors.Is(err, errSwiftNotFound) {
		return objerr.Provider("deleting object", key, err)
	}
	return nil
}

// Close marks the client closed. The Keystone session holds no pooled
// resources of its own.
func (c *SwiftClient) Close() error {
	if c.markClosed() {
		slog.Info("Swift client closed", "container", c.container)
	}
	return nil
}

// swiftMetadata keeps every response header. Swift already uses the
// X-Object-Meta- prefix for user metadata.
func swiftMetadata(hdr map[string]string) *metadata.Metadata {
	raw := make(map[string]any, len(hdr))
	for k, v := range hdr {
		raw[http.CanonicalHeaderKey(k)] = v
	}
	md := metadata.FromMap(raw)
	if etag := md.ETag(); etag != "" {
		md.SetETag(normalizeETag(etag))
	}
	return md
}

// Ensure SwiftClient implements Client at compile time.
var _ Client = (*SwiftClient)(nil)

func init() {
	Register("swift", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		c, err := NewSwiftClient(ctx, cfg.Swift)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

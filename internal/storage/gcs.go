package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// gcsPageSize is the number of objects requested per listing page.
const gcsPageSize = 1000

// GCSAPI defines the subset of the GCS client interface that the GCS
// adapter uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object. The attributes
	// are applied to the object; a non-empty MD5 is checked by GCS.
	NewWriter(ctx context.Context, bucket, object string, attrs GCSAttrs) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// ListPage returns one page of object attributes and the token of the
	// next page, empty on the last page.
	ListPage(ctx context.Context, bucket, token string, pageSize int) ([]*GCSAttrs, string, error)
	// Close releases the client's connections.
	Close() error
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes exchanged with GCS.
type GCSAttrs struct {
	Name               string
	Size               int64
	MD5                []byte // raw MD5 hash bytes
	Etag               string
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	ContentLanguage    string
	CacheControl       string
	Metadata           map[string]string
	Updated            time.Time
}

func newGCSAttrs(a *gcs.ObjectAttrs) *GCSAttrs {
	return &GCSAttrs{
		Name:               a.Name,
		Size:               a.Size,
		MD5:                a.MD5,
		Etag:               a.Etag,
		ContentType:        a.ContentType,
		ContentEncoding:    a.ContentEncoding,
		ContentDisposition: a.ContentDisposition,
		ContentLanguage:    a.ContentLanguage,
		CacheControl:       a.CacheControl,
		Metadata:           a.Metadata,
		Updated:            a.Updated,
	}
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, attrs GCSAttrs) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.ContentEncoding = attrs.ContentEncoding
	w.ContentDisposition = attrs.ContentDisposition
	w.ContentLanguage = attrs.ContentLanguage
	w.CacheControl = attrs.CacheControl
	w.Metadata = attrs.Metadata
	w.MD5 = attrs.MD5
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return newGCSAttrs(attrs), nil
}

func (c *realGCSClient) ListPage(ctx context.Context, bucket, token string, pageSize int) ([]*GCSAttrs, string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, nil)
	var page []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, token).NextPage(&page)
	if err != nil {
		return nil, "", err
	}
	out := make([]*GCSAttrs, 0, len(page))
	for _, a := range page {
		out = append(out, newGCSAttrs(a))
	}
	return out, next, nil
}

func (c *realGCSClient) Close() error {
	return c.client.Close()
}

// GCSClient implements Client for a Google Cloud Storage bucket.
type GCSClient struct {
	lifecycle

	bucket  string
	project string
	client  GCSAPI
}

// NewGCSClient creates a GCSClient for cfg.Bucket. Credentials come from
// cfg.CredentialsFile when set, otherwise from Application Default
// Credentials (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	if cfg.Bucket == "" {
		return nil, objerr.InvalidArgument("", "gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, objerr.Provider("creating GCS client", "", err)
	}

	c := NewGCSClientWithAPI(cfg, &realGCSClient{client: client})

	// Verify the bucket is accessible by listing a single entry.
	if _, _, err := c.client.ListPage(ctx, cfg.Bucket, "", 1); err != nil {
		client.Close()
		return nil, objerr.Provider("accessing bucket "+cfg.Bucket, "", err)
	}

	slog.Info("GCS client initialized", "bucket", cfg.Bucket, "project", cfg.Project)
	return c, nil
}

// NewGCSClientWithAPI creates a GCSClient with a pre-configured GCS client.
// This is primarily used for testing with mock clients.
func NewGCSClientWithAPI(cfg config.GCSConfig, client GCSAPI) *GCSClient {
	return &GCSClient{bucket: cfg.Bucket, project: cfg.Project, client: client}
}

func (c *GCSClient) Name() string       { return "Google Cloud Storage" }
func (c *GCSClient) BucketName() string { return c.bucket }

func (c *GCSClient) objectURI(key string) string {
	return "gs://" + c.bucket + "/" + key
}

// List follows page tokens until the listing is exhausted.
func (c *GCSClient) List(ctx context.Context) ([]*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var objs []*StorageObject
	token := ""
	for {
		page, next, err := c.client.ListPage(ctx, c.bucket, token, gcsPageSize)
		if err != nil {
			return nil, objerr.Provider("listing objects", "", err)
		}
		for _, a := range page {
			objs = append(objs, &StorageObject{Name: a.Name, URI: c.objectURI(a.Name), Metadata: gcsMetadata(a)})
		}
		if next == "" {
			return objs, nil
		}
		token = next
	}
}

func (c *GCSClient) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

func (c *GCSClient) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutObject uploads obj with its MD5 attached, so GCS rejects a corrupted
// upload when the writer is closed.
func (c *GCSClient) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
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
	sum, err := base64.StdEncoding.DecodeString(up.md.ContentMD5())
	if err != nil {
		return "", objerr.InvalidArgument(up.key, "malformed Content-MD5 %q", up.md.ContentMD5())
	}

	attrs := GCSAttrs{
		ContentType:        up.md.ContentType(),
		ContentEncoding:    up.md.ContentEncoding(),
		ContentDisposition: up.md.ContentDisposition(),
		ContentLanguage:    up.md.ContentLanguage(),
		CacheControl:       up.md.CacheControl(),
		MD5:                sum,
	}
	if user := up.md.UserMetadata(); len(user) > 0 {
		attrs.Metadata = user
	}

	w := c.client.NewWriter(ctx, c.bucket, up.key, attrs)
	if _, err := io.Copy(w, bytes.NewReader(up.data)); err != nil {
		_ = w.Close()
		return "", objerr.Provider("uploading object", up.key, err)
	}
	if err := w.Close(); err != nil {
		return "", objerr.Provider("finalizing upload", up.key, err)
	}
	return integrity.HexMD5(up.data), nil
}

func (c *GCSClient) Get(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	reader, err := c.client.NewReader(ctx, c.bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("downloading object", key, err)
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: reader}, nil
}

func (c *GCSClient) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

func (c *GCSClient) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

func (c *GCSClient) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

func (c *GCSClient) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	attrs, err := c.client.Attrs(ctx, c.bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("reading object metadata", key, err)
	}
	return gcsMetadata(attrs), nil
}

// Delete removes key. GCS errors on delete of a non-existent object, unlike
// S3; that error is swallowed.
func (c *GCSClient) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	if key == "" {
		return objerr.InvalidArgument("", "object name is required")
	}
	if err := c.client.Delete(ctx, c.bucket, key); err != nil && !isGCSNotFound(err) {
		return objerr.Provider("deleting object", key, err)
	}
	return nil
}

func (c *GCSClient) Close() error {
	if !c.markClosed() {
		return nil
	}
	if err := c.client.Close(); err != nil {
		slog.Warn("closing GCS client", "bucket", c.bucket, "error", err)
	}
	slog.Info("GCS client closed", "bucket", c.bucket)
	return nil
}

// gcsMetadata maps object attributes. The ETag is the hex MD5 when GCS
// reports one; composite objects have none and keep the GCS ETag.
func gcsMetadata(a *GCSAttrs) *metadata.Metadata {
	md := metadata.New()
	md.SetContentLength(a.Size)
	md.SetContentType(a.ContentType)
	md.SetContentEncoding(a.ContentEncoding)
	md.SetContentDisposition(a.ContentDisposition)
	md.SetContentLanguage(a.ContentLanguage)
	md.SetCacheControl(a.CacheControl)
	if len(a.MD5) > 0 {
		md.SetETag(hex.EncodeToString(a.MD5))
		md.SetContentMD5(base64.StdEncoding.EncodeToString(a.MD5))
	} else {
		md.SetETag(a.Etag)
	}
	if !a.Updated.IsZero() {
		md.SetLastModified(a.Updated)
	}
	for k, v := range a.Metadata {
		md.SetUserMetadata(k, v)
	}
	return md
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	// Check error message as fallback.
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

// Ensure GCSClient implements Client at compile time.
var _ Client = (*GCSClient)(nil)

func init() {
	Register("gcs", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		c, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

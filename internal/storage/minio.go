package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// MinioAPI is the subset of minio-go used by MinioClient. GetObject returns
// the stream already stat'ed, so the mock does not need a *minio.Object.
type MinioAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, minio.ObjectInfo, error)
	StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket string) <-chan minio.ObjectInfo
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// realMinioClient wraps *minio.Client to satisfy MinioAPI.
type realMinioClient struct {
	client *minio.Client
}

func (r *realMinioClient) PutObject(ctx context.Context, bucket, key string, rd io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return r.client.PutObject(ctx, bucket, key, rd, size, opts)
}

func (r *realMinioClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, minio.ObjectInfo, error) {
	obj, err := r.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	// GetObject is lazy; Stat issues the request and surfaces NoSuchKey.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, minio.ObjectInfo{}, err
	}
	return obj, st, nil
}

func (r *realMinioClient) StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	return r.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
}

func (r *realMinioClient) RemoveObject(ctx context.Context, bucket, key string) error {
	return r.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (r *realMinioClient) ListObjects(ctx context.Context, bucket string) <-chan minio.ObjectInfo {
	return r.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true})
}

func (r *realMinioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return r.client.BucketExists(ctx, bucket)
}

// MinioClient implements Client for MinIO and other S3-compatible servers
// through minio-go.
type MinioClient struct {
	lifecycle

	bucket    string
	baseURL   string
	client    MinioAPI
	transport *http.Transport
}

// NewMinioClient connects to cfg.Endpoint and checks that the bucket
// exists. A missing bucket is an error; it is never created.
func NewMinioClient(ctx context.Context, cfg config.MinioConfig) (*MinioClient, error) {
	if cfg.Endpoint == "" {
		return nil, objerr.InvalidArgument("", "minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, objerr.InvalidArgument("", "minio bucket is required")
	}

	transport, err := minio.DefaultTransport(cfg.UseSSL)
	if err != nil {
		return nil, objerr.Provider("creating minio transport", "", err)
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, objerr.Provider("creating minio client", "", err)
	}

	c := NewMinioClientWithAPI(cfg, &realMinioClient{client: cli})
	c.transport = transport

	exists, err := c.client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, objerr.Provider("checking bucket existence", "", err)
	}
	if !exists {
		transport.CloseIdleConnections()
		return nil, objerr.InvalidArgument("", "bucket %q does not exist", cfg.Bucket)
	}

	slog.Info("MinIO client initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "ssl", cfg.UseSSL)
	return c, nil
}

// NewMinioClientWithAPI creates a MinioClient with a pre-configured API.
// This is primarily used for testing with mock clients.
func NewMinioClientWithAPI(cfg config.MinioConfig, client MinioAPI) *MinioClient {
	scheme := "http://"
	if cfg.UseSSL {
		scheme = "https://"
	}
	return &MinioClient{
		bucket:  cfg.Bucket,
		baseURL: scheme + cfg.Endpoint + "/" + cfg.Bucket + "/",
		client:  client,
	}
}

func (c *MinioClient) Name() string       { return "MinIO" }
func (c *MinioClient) BucketName() string { return c.bucket }

func (c *MinioClient) objectURI(key string) string {
	return c.baseURL + key
}

// List drains the recursive listing channel.
func (c *MinioClient) List(ctx context.Context) ([]*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objs []*StorageObject
	for info := range c.client.ListObjects(ctx, c.bucket) {
		if info.Err != nil {
			return nil, objerr.Provider("listing objects", "", info.Err)
		}
		objs = append(objs, &StorageObject{Name: info.Key, URI: c.objectURI(info.Key), Metadata: minioMetadata(info)})
	}
	return objs, nil
}

func (c *MinioClient) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

func (c *MinioClient) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutObject uploads obj with SendContentMd5 so the server checks the
// payload digest.
func (c *MinioClient) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
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

	opts := minio.PutObjectOptions{
		ContentType:        up.md.ContentType(),
		ContentEncoding:    up.md.ContentEncoding(),
		ContentDisposition: up.md.ContentDisposition(),
		ContentLanguage:    up.md.ContentLanguage(),
		CacheControl:       up.md.CacheControl(),
		UserMetadata:       up.md.UserMetadata(),
		SendContentMd5:     true,
	}
	info, err := c.client.PutObject(ctx, c.bucket, up.key, bytes.NewReader(up.data), int64(len(up.data)), opts)
	if err != nil {
		return "", objerr.Provider("uploading object", up.key, err)
	}
	etag := normalizeETag(info.ETag)
	if etag == "" {
		etag = integrity.HexMD5(up.data)
	}
	return etag, nil
}

func (c *MinioClient) Get(ctx context.Context, key string) (*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	body, info, err := c.client.GetObject(ctx, c.bucket, key)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("downloading object", key, err)
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: minioMetadata(info), Payload: body}, nil
}

func (c *MinioClient) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

func (c *MinioClient) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

func (c *MinioClient) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

func (c *MinioClient) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	info, err := c.client.StatObject(ctx, c.bucket, key)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("reading object metadata", key, err)
	}
	return minioMetadata(info), nil
}

func (c *MinioClient) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	if key == "" {
		return objerr.InvalidArgument("", "object name is required")
	}
	if err := c.client.RemoveObject(ctx, c.bucket, key); err != nil && !isMinioNotFound(err) {
		return objerr.Provider("deleting object", key, err)
	}
	return nil
}

func (c *MinioClient) Close() error {
	if !c.markClosed() {
		return nil
	}
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	slog.Info("MinIO client closed", "bucket", c.bucket)
	return nil
}

func minioMetadata(info minio.ObjectInfo) *metadata.Metadata {
	md := metadata.New()
	md.SetContentLength(info.Size)
	md.SetContentType(info.ContentType)
	md.SetETag(normalizeETag(info.ETag))
	md.SetVersionID(info.VersionID)
	if !info.LastModified.IsZero() {
		md.SetLastModified(info.LastModified.UTC().Truncate(time.Second))
	}
	if info.Metadata != nil {
		md.SetCacheControl(info.Metadata.Get(metadata.CacheControl))
		md.SetContentEncoding(info.Metadata.Get(metadata.ContentEncoding))
		md.SetContentDisposition(info.Metadata.Get(metadata.ContentDisposition))
		md.SetContentLanguage(info.Metadata.Get(metadata.ContentLanguage))
	}
	for k, v := range info.UserMetadata {
		md.SetUserMetadata(k, v)
	}
	return md
}

// isMinioNotFound checks for a NoSuchKey response or a 404. A missing
// bucket is a provider fault.
func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket":
		return false
	case "NoSuchKey", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

// Ensure MinioClient implements Client at compile time.
var _ Client = (*MinioClient)(nil)

func init() {
	Register("minio", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		c, err := NewMinioClient(ctx, cfg.Minio)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

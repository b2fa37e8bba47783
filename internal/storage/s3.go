package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

const (
	amazonS3Name   = "Amazon S3"
	ibmCloudS3Name = "IBM Cloud S3"
)

// S3API defines the subset of the AWS S3 client interface that the S3
// adapter uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Client implements Client for Amazon S3 and S3-compatible endpoints
// such as IBM Cloud Object Storage.
type S3Client struct {
	lifecycle

	name               string
	bucket             string
	endpoint           string
	pathStyle          bool
	requireContentType bool
	pageSize           int32

	client S3API
	// transport is the pooled HTTP transport, nil for injected clients.
	transport *http.Transport
}

// ObjectPage is one page of a listing.
type ObjectPage struct {
	Objects []*StorageObject
	// NextToken continues the listing. It is empty on the last page.
	NextToken string
}

// NewS3Client creates an S3Client for cfg.Bucket. Static credentials are
// used when both keys are set, otherwise the default AWS credential chain.
// A non-empty cfg.Endpoint must carry an http or https scheme and selects
// the IBM Cloud S3 flavor. The bucket is checked with HeadBucket before the
// client is returned.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, objerr.InvalidArgument("", "bucket name is required")
	}
	name := amazonS3Name
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, objerr.InvalidArgument("", "endpoint %q must include an http or https scheme", cfg.Endpoint)
		}
		name = ibmCloudS3Name
	}

	transport := awshttp.NewBuildableClient().GetTransport()
	if cfg.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.IdleConnTimeout
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: transport}),
	)

	// Use static credentials if provided, otherwise fall back to default chain.
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, objerr.Provider("loading AWS config", "", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	c := NewS3ClientWithAPI(cfg, s3.NewFromConfig(awsCfg, s3Opts...))
	c.name = name
	c.transport = transport

	// Verify the bucket is accessible.
	_, err = c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		transport.CloseIdleConnections()
		return nil, objerr.Provider(fmt.Sprintf("accessing bucket %q", cfg.Bucket), "", err)
	}

	slog.Info("S3 client initialized",
		"provider", name, "bucket", cfg.Bucket, "region", cfg.Region,
		"endpoint", cfg.Endpoint, "path_style", cfg.PathStyle)
	return c, nil
}

// NewS3ClientWithAPI creates an S3Client over a pre-configured S3 client.
// This is primarily used for testing with mock clients. No access check is
// made.
func NewS3ClientWithAPI(cfg config.S3Config, client S3API) *S3Client {
	name := amazonS3Name
	if cfg.Endpoint != "" {
		name = ibmCloudS3Name
	}
	return &S3Client{
		name:               name,
		bucket:             cfg.Bucket,
		endpoint:           strings.TrimRight(cfg.Endpoint, "/"),
		pathStyle:          cfg.PathStyle,
		requireContentType: cfg.RequireContentType,
		pageSize:           cfg.PageSize,
		client:             client,
	}
}

func (c *S3Client) Name() string       { return c.name }
func (c *S3Client) BucketName() string { return c.bucket }

// objectURI returns the location of key: an endpoint URL for path-style
// endpoints, an s3:// URI otherwise.
func (c *S3Client) objectURI(key string) string {
	if c.pathStyle && c.endpoint != "" {
		return c.endpoint + "/" + c.bucket + "/" + key
	}
	return "s3://" + c.bucket + "/" + key
}

// List returns every object in the bucket, following continuation tokens.
func (c *S3Client) List(ctx context.Context) ([]*StorageObject, error) {
	var all []*StorageObject
	token := ""
	for {
		page, err := c.ListPage(ctx, token, c.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Objects...)
		if page.NextToken == "" {
			return all, nil
		}
		token = page.NextToken
	}
}

// ListPage returns one page of at most maxKeys objects, starting at the
// given continuation token. An empty token starts at the beginning; a
// maxKeys of zero leaves the page size to the provider.
func (c *S3Client) ListPage(ctx context.Context, token string, maxKeys int32) (*ObjectPage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(maxKeys)
	}

	out, err := c.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, objerr.Provider("listing objects", "", err)
	}

	page := &ObjectPage{Objects: make([]*StorageObject, 0, len(out.Contents))}
	for _, o := range out.Contents {
		key := aws.ToString(o.Key)
		md := metadata.New()
		md.SetContentLength(aws.ToInt64(o.Size))
		md.SetETag(normalizeETag(aws.ToString(o.ETag)))
		if o.LastModified != nil {
			md.SetLastModified(*o.LastModified)
		}
		page.Objects = append(page.Objects, &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Exists reports whether key is present, using HeadObject.
func (c *S3Client) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

// Put uploads payload under key.
func (c *S3Client) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutString uploads text under key.
func (c *S3Client) PutString(ctx context.Context, key, text string) (string, error) {
	return c.Put(ctx, key, strings.NewReader(text))
}

// PutObject uploads obj with its Content-MD5, so S3 rejects a payload
// corrupted in transit.
func (c *S3Client) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
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
	if c.requireContentType && up.md.ContentType() == "" {
		return "", objerr.InvalidArgument(up.key, "setting a content-type is required")
	}

	input := &s3.PutObjectInput{
		Bucket:             aws.String(c.bucket),
		Key:                aws.String(up.key),
		Body:               bytes.NewReader(up.data),
		ContentLength:      aws.Int64(int64(len(up.data))),
		ContentMD5:         optString(up.md.ContentMD5()),
		ContentType:        optString(up.md.ContentType()),
		ContentEncoding:    optString(up.md.ContentEncoding()),
		ContentLanguage:    optString(up.md.ContentLanguage()),
		ContentDisposition: optString(up.md.ContentDisposition()),
		CacheControl:       optString(up.md.CacheControl()),
	}
	if user := up.md.UserMetadata(); len(user) > 0 {
		input.Metadata = user
	}

	out, err := c.client.PutObject(ctx, input)
	if err != nil {
		return "", objerr.Provider("uploading object", up.key, err)
	}
	etag := normalizeETag(aws.ToString(out.ETag))
	if etag == "" {
		etag = integrity.HexMD5(up.data)
	}
	return etag, nil
}

// Get downloads key. A missing key yields nil.
func (c *S3Client) Get(ctx context.Context, key string) (*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("downloading object", key, err)
	}
	md := s3Metadata(s3Headers{
		cacheControl:       out.CacheControl,
		contentDisposition: out.ContentDisposition,
		contentEncoding:    out.ContentEncoding,
		contentLanguage:    out.ContentLanguage,
		contentLength:      out.ContentLength,
		contentType:        out.ContentType,
		etag:               out.ETag,
		lastModified:       out.LastModified,
		versionID:          out.VersionId,
		user:               out.Metadata,
	})
	if out.ContentRange != nil {
		md.Set(metadata.ContentRange, aws.ToString(out.ContentRange))
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: out.Body}, nil
}

// GetVerified downloads key and verifies its content against the ETag.
func (c *S3Client) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

// GetWithoutBody returns key's descriptor with an empty payload.
func (c *S3Client) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

// GetContent returns the content of key, or an empty slice if absent.
func (c *S3Client) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

// GetMetadata returns key's metadata from HeadObject, or nil if absent.
func (c *S3Client) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("reading object metadata", key, err)
	}
	return s3Metadata(s3Headers{
		cacheControl:       out.CacheControl,
		contentDisposition: out.ContentDisposition,
		contentEncoding:    out.ContentEncoding,
		contentLanguage:    out.ContentLanguage,
		contentLength:      out.ContentLength,
		contentType:        out.ContentType,
		etag:               out.ETag,
		lastModified:       out.LastModified,
		versionID:          out.VersionId,
		user:               out.Metadata,
	}), nil
}

// Delete removes key. S3 deletes are idempotent; a not-found response is
// treated as success as well.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	if key == "" {
		return objerr.InvalidArgument("", "object name is required")
	}
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isAWSNotFound(err) {
		return objerr.Provider("deleting object", key, err)
	}
	return nil
}

// Close drops the pooled connections.
func (c *S3Client) Close() error {
	if !c.markClosed() {
		return nil
	}
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	slog.Info("S3 client closed", "provider", c.name, "bucket", c.bucket)
	return nil
}

// s3Headers gathers the header fields shared by GetObject and HeadObject
// outputs.
type s3Headers struct {
	cacheControl       *string
	contentDisposition *string
	contentEncoding    *string
	contentLanguage    *string
	contentLength      *int64
	contentType        *string
	etag               *string
	lastModified       *time.Time
	versionID          *string
	user               map[string]string
}

func s3Metadata(h s3Headers) *metadata.Metadata {
	md := metadata.New()
	md.SetContentLength(aws.ToInt64(h.contentLength))
	md.SetCacheControl(aws.ToString(h.cacheControl))
	md.SetContentDisposition(aws.ToString(h.contentDisposition))
	md.SetContentEncoding(aws.ToString(h.contentEncoding))
	md.SetContentLanguage(aws.ToString(h.contentLanguage))
	md.SetContentType(aws.ToString(h.contentType))
	md.SetETag(normalizeETag(aws.ToString(h.etag)))
	md.SetVersionID(aws.ToString(h.versionID))
	if h.lastModified != nil {
		md.SetLastModified(*h.lastModified)
	}
	for k, v := range h.user {
		md.SetUserMetadata(k, v)
	}
	return md
}

// optString returns nil for an empty string, so unset headers are omitted.
func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// isAWSNotFound reports whether err means the object key is missing. A
// missing bucket also answers 404 but is a provider fault.
func isAWSNotFound(err error) bool {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return false
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	// Check HTTP status code via ResponseError.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == http.StatusNotFound {
			return true
		}
	}
	return false
}

// Ensure S3Client implements Client at compile time.
var _ Client = (*S3Client)(nil)

func init() {
	Register("s3", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		c, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

func init() {
	Register("ibm", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		if cfg.S3.Endpoint == "" {
			return nil, objerr.InvalidArgument("", "ibm provider requires storage.s3.endpoint")
		}
		c, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/metadata"
)

type mockS3Object struct {
	data        []byte
	etag        string
	contentType string
	user        map[string]string
	modified    time.Time
}

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	objects map[string]*mockS3Object
	// putObjectCalls tracks the number of PutObject calls for verification.
	putObjectCalls int
	// listCalls tracks the number of ListObjectsV2 calls.
	listCalls int
	// lastPut is the input of the most recent PutObject call.
	lastPut *s3.PutObjectInput
	// err, when set, is returned by every call.
	err error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string]*mockS3Object)}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.putObjectCalls++
	m.lastPut = params
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	etag := fmt.Sprintf(`"%x"`, md5.Sum(data))
	m.objects[aws.ToString(params.Key)] = &mockS3Object{
		data:        data,
		etag:        etag,
		contentType: aws.ToString(params.ContentType),
		user:        params.Metadata,
		modified:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   optString(obj.contentType),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.user,
	}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   optString(obj.contentType),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.user,
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, m.err
}

// ListObjectsV2 pages over the sorted keys. The continuation token is the
// index of the next key.
func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.listCalls++
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		start, _ = strconv.Atoi(aws.ToString(params.ContinuationToken))
	}
	limit := len(keys)
	if n := int(aws.ToInt32(params.MaxKeys)); n > 0 {
		limit = n
	}
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		obj := m.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			ETag:         aws.String(obj.etag),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

func (e *mockAPIError) HTTPStatusCode() int {
	return e.httpStatus
}

// Ensure mockAPIError satisfies smithy.APIError.
var _ smithy.APIError = (*mockAPIError)(nil)

// --- Test helpers ---

func newTestS3Client(t *testing.T) (*S3Client, *mockS3Client) {
	t.Helper()
	mock := newMockS3Client()
	c := NewS3ClientWithAPI(config.S3Config{Bucket: "test-bucket", Region: "us-east-1"}, mock)
	return c, mock
}

// --- Tests ---

func TestS3PutAndGet(t *testing.T) {
	c, mock := newTestS3Client(t)
	ctx := context.Background()

	etag, err := c.Put(ctx, "test-object", strings.NewReader("object data"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if etag != "85f30635602dc09bd85957a6e82a2c21" {
		t.Errorf("etag = %q, want unquoted hex MD5", etag)
	}
	if got := aws.ToString(mock.lastPut.ContentMD5); got != "hfMGNWAtwJvYWVem6CosIQ==" {
		t.Errorf("Content-MD5 sent = %q", got)
	}
	if got := aws.ToInt64(mock.lastPut.ContentLength); got != 11 {
		t.Errorf("Content-Length sent = %d, want 11", got)
	}

	obj, err := c.Get(ctx, "test-object")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if obj == nil {
		t.Fatal("Get returned nil for a stored object")
	}
	defer obj.Close()
	if obj.Name != "test-object" {
		t.Errorf("Name = %q", obj.Name)
	}
	if obj.URI != "s3://test-bucket/test-object" {
		t.Errorf("URI = %q", obj.URI)
	}
	if obj.ETag() != etag {
		t.Errorf("ETag() = %q, want %q", obj.ETag(), etag)
	}
	data, err := io.ReadAll(obj.Payload)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "object data" {
		t.Errorf("data = %q, want %q", data, "object data")
	}
}

func TestS3PutObjectCarriesHeaders(t *testing.T) {
	c, mock := newTestS3Client(t)
	md := metadata.FromBytes([]byte("{}"))
	md.SetContentType("application/json")
	md.SetCacheControl("no-cache")
	md.SetUserMetadata("Author", "jeroen")
	obj, _ := NewStorageObject("doc.json", "", md, BytesPayload([]byte("{}")))

	if _, err := c.PutObject(context.Background(), obj); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if got := aws.ToString(mock.lastPut.ContentType); got != "application/json" {
		t.Errorf("ContentType = %q", got)
	}
	if got := aws.ToString(mock.lastPut.CacheControl); got != "no-cache" {
		t.Errorf("CacheControl = %q", got)
	}
	if mock.lastPut.ContentEncoding != nil {
		t.Errorf("ContentEncoding = %q, want nil", aws.ToString(mock.lastPut.ContentEncoding))
	}
	if got := mock.lastPut.Metadata["author"]; got != "jeroen" {
		t.Errorf("user metadata = %v", mock.lastPut.Metadata)
	}

	got, err := c.GetMetadata(context.Background(), "doc.json")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got.ContentType() != "application/json" {
		t.Errorf("ContentType() = %q", got.ContentType())
	}
	if got.UserMetadata()["author"] != "jeroen" {
		t.Errorf("UserMetadata() = %v", got.UserMetadata())
	}
}

func TestS3PutObjectZeroLength(t *testing.T) {
	c, mock := newTestS3Client(t)
	md := metadata.New()
	md.SetContentLength(0)
	obj, _ := NewStorageObject("empty", "", md, BytesPayload(nil))

	_, err := c.PutObject(context.Background(), obj)
	if !errors.Is(err, objerr.ErrInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
	if mock.putObjectCalls != 0 {
		t.Errorf("PutObject reached the provider %d times", mock.putObjectCalls)
	}
	if len(mock.objects) != 0 {
		t.Error("a zero-length put created an object")
	}
}

func TestS3PutObjectContentMD5Mismatch(t *testing.T) {
	c, mock := newTestS3Client(t)
	md := metadata.FromBytes([]byte("other data!"))
	obj, _ := NewStorageObject("k", "", md, BytesPayload([]byte("object data")))

	_, err := c.PutObject(context.Background(), obj)
	if !errors.Is(err, objerr.ErrContentValidation) {
		t.Fatalf("err = %v, want content validation error", err)
	}
	if mock.putObjectCalls != 0 {
		t.Error("mismatched upload reached the provider")
	}
}

func TestS3RequireContentType(t *testing.T) {
	mock := newMockS3Client()
	c := NewS3ClientWithAPI(config.S3Config{Bucket: "b", RequireContentType: true}, mock)

	_, err := c.PutString(context.Background(), "k", "object data")
	if !errors.Is(err, objerr.ErrInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
	if !strings.Contains(err.Error(), "setting a content-type is required") {
		t.Errorf("err = %v", err)
	}
	if mock.putObjectCalls != 0 {
		t.Error("upload without content type reached the provider")
	}
}

func TestS3GetNotFound(t *testing.T) {
	c, _ := newTestS3Client(t)
	ctx := context.Background()

	obj, err := c.Get(ctx, "missing")
	if err != nil || obj != nil {
		t.Errorf("Get = %v, %v; want nil, nil", obj, err)
	}
	obj, err = c.GetVerified(ctx, "missing")
	if err != nil || obj != nil {
		t.Errorf("GetVerified = %v, %v; want nil, nil", obj, err)
	}
	obj, err = c.GetWithoutBody(ctx, "missing")
	if err != nil || obj != nil {
		t.Errorf("GetWithoutBody = %v, %v; want nil, nil", obj, err)
	}
	md, err := c.GetMetadata(ctx, "missing")
	if err != nil || md != nil {
		t.Errorf("GetMetadata = %v, %v; want nil, nil", md, err)
	}
	data, err := c.GetContent(ctx, "missing")
	if err != nil || data == nil || len(data) != 0 {
		t.Errorf("GetContent = %v, %v; want empty slice", data, err)
	}
	ok, err := c.Exists(ctx, "missing")
	if err != nil || ok {
		t.Errorf("Exists = %v, %v; want false, nil", ok, err)
	}
}

func TestS3GetVerified(t *testing.T) {
	c, mock := newTestS3Client(t)
	ctx := context.Background()
	if _, err := c.Put(ctx, "test-object", strings.NewReader("object data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	obj, err := c.GetVerified(ctx, "test-object")
	if err != nil {
		t.Fatalf("GetVerified failed: %v", err)
	}
	data, _ := io.ReadAll(obj.Payload)
	obj.Close()
	if string(data) != "object data" {
		t.Errorf("verified data = %q", data)
	}

	mock.objects["test-object"].data = []byte("object dat4")
	_, err = c.GetVerified(ctx, "test-object")
	if !errors.Is(err, objerr.ErrContentValidation) {
		t.Fatalf("err = %v, want content validation error", err)
	}
	var cv *objerr.ContentValidationError
	if !errors.As(err, &cv) {
		t.Fatalf("err is %T, want *ContentValidationError", err)
	}
	if cv.Expected != "85f30635602dc09bd85957a6e82a2c21" {
		t.Errorf("Expected = %q", cv.Expected)
	}
}

func TestS3GetVerifiedMultipartETag(t *testing.T) {
	c, mock := newTestS3Client(t)
	ctx := context.Background()
	if _, err := c.Put(ctx, "big", strings.NewReader("object data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	mock.objects["big"].etag = `"d41d8cd98f00b204e9800998ecf8427e-2"`

	_, err := c.GetVerified(ctx, "big")
	if !errors.Is(err, objerr.ErrContentValidation) {
		t.Fatalf("err = %v, want content validation error for multipart ETag", err)
	}
}

func TestS3GetWithoutBody(t *testing.T) {
	c, _ := newTestS3Client(t)
	ctx := context.Background()
	if _, err := c.Put(ctx, "test-object", strings.NewReader("object data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	obj, err := c.GetWithoutBody(ctx, "test-object")
	if err != nil {
		t.Fatalf("GetWithoutBody failed: %v", err)
	}
	if obj.Metadata.ContentLength() != 11 {
		t.Errorf("ContentLength() = %d, want 11", obj.Metadata.ContentLength())
	}
	data, _ := io.ReadAll(obj.Payload)
	if len(data) != 0 {
		t.Errorf("payload has %d bytes, want 0", len(data))
	}
	obj.Close()
}

func TestS3DeleteIdempotent(t *testing.T) {
	c, _ := newTestS3Client(t)
	ctx := context.Background()
	if _, err := c.Put(ctx, "test-object", strings.NewReader("object data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Delete(ctx, "test-object"); err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
	}
	ok, err := c.Exists(ctx, "test-object")
	if err != nil || ok {
		t.Errorf("Exists after delete = %v, %v", ok, err)
	}
}

func TestS3ListPaging(t *testing.T) {
	mock := newMockS3Client()
	c := NewS3ClientWithAPI(config.S3Config{Bucket: "b", PageSize: 2}, mock)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := c.PutString(ctx, fmt.Sprintf("key-%d", i), "object data"); err != nil {
			t.Fatalf("PutString failed: %v", err)
		}
	}

	objs, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 5 {
		t.Fatalf("List returned %d objects, want 5", len(objs))
	}
	if mock.listCalls != 3 {
		t.Errorf("listCalls = %d, want 3", mock.listCalls)
	}
	for i, o := range objs {
		if want := fmt.Sprintf("key-%d", i); o.Name != want {
			t.Errorf("objs[%d].Name = %q, want %q", i, o.Name, want)
		}
		if o.Payload != nil {
			t.Errorf("listing descriptor %q carries a payload", o.Name)
		}
		if o.Metadata.ContentLength() != 11 {
			t.Errorf("objs[%d] ContentLength() = %d", i, o.Metadata.ContentLength())
		}
	}

	page, err := c.ListPage(ctx, "", 3)
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(page.Objects) != 3 || page.NextToken == "" {
		t.Errorf("first page = %d objects, token %q", len(page.Objects), page.NextToken)
	}
	page, err = c.ListPage(ctx, page.NextToken, 3)
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(page.Objects) != 2 || page.NextToken != "" {
		t.Errorf("last page = %d objects, token %q", len(page.Objects), page.NextToken)
	}
}

func TestS3ListEmpty(t *testing.T) {
	c, _ := newTestS3Client(t)
	objs, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("List returned %d objects", len(objs))
	}
}

func TestS3ProviderFault(t *testing.T) {
	c, mock := newTestS3Client(t)
	cause := &mockAPIError{code: "InternalError", message: "boom", httpStatus: 500}
	mock.err = cause

	_, err := c.Get(context.Background(), "k")
	if !errors.Is(err, objerr.ErrProviderFault) {
		t.Fatalf("err = %v, want provider fault", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "InternalError" {
		t.Errorf("SDK error not reachable from %v", err)
	}
	if err := c.Delete(context.Background(), "k"); !errors.Is(err, objerr.ErrProviderFault) {
		t.Errorf("Delete err = %v, want provider fault", err)
	}
}

func TestS3MissingBucket(t *testing.T) {
	c, mock := newTestS3Client(t)
	mock.err = &mockAPIError{code: "NoSuchBucket", message: "The specified bucket does not exist", httpStatus: 404}
	ctx := context.Background()

	if obj, err := c.Get(ctx, "k"); !errors.Is(err, objerr.ErrProviderFault) {
		t.Errorf("Get = %v, %v; want provider fault", obj, err)
	}
	if _, err := c.GetContent(ctx, "k"); !errors.Is(err, objerr.ErrProviderFault) {
		t.Errorf("GetContent err = %v, want provider fault", err)
	}
	if err := c.Delete(ctx, "k"); !errors.Is(err, objerr.ErrProviderFault) {
		t.Errorf("Delete err = %v, want provider fault", err)
	}
}

func TestS3Close(t *testing.T) {
	c, _ := newTestS3Client(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, objerr.ErrClosed) {
		t.Errorf("Get after Close err = %v, want closed", err)
	}
	if _, err := c.List(context.Background()); !errors.Is(err, objerr.ErrClosed) {
		t.Errorf("List after Close err = %v, want closed", err)
	}
}

func TestS3NameAndURI(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.S3Config
		want    string
		wantURI string
	}{
		{"amazon", config.S3Config{Bucket: "b"}, "Amazon S3", "s3://b/k"},
		{"ibm path style", config.S3Config{Bucket: "b", Endpoint: "https://s3.eu.cloud-object-storage.appdomain.cloud/", PathStyle: true},
			"IBM Cloud S3", "https://s3.eu.cloud-object-storage.appdomain.cloud/b/k"},
		{"endpoint virtual host", config.S3Config{Bucket: "b", Endpoint: "https://s3.example.com"}, "IBM Cloud S3", "s3://b/k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewS3ClientWithAPI(tt.cfg, newMockS3Client())
			if c.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", c.Name(), tt.want)
			}
			if c.BucketName() != "b" {
				t.Errorf("BucketName() = %q", c.BucketName())
			}
			if got := c.objectURI("k"); got != tt.wantURI {
				t.Errorf("objectURI = %q, want %q", got, tt.wantURI)
			}
		})
	}
}

func TestNewS3ClientRejectsSchemelessEndpoint(t *testing.T) {
	_, err := NewS3Client(context.Background(), config.S3Config{Bucket: "b", Endpoint: "s3.example.com"})
	if !errors.Is(err, objerr.ErrInvalidArgument) {
		t.Errorf("err = %v, want invalid argument", err)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey", &mockAPIError{code: "NoSuchKey"}, true},
		{"NotFound", &mockAPIError{code: "NotFound"}, true},
		{"NoSuchBucket", &mockAPIError{code: "NoSuchBucket", httpStatus: 404}, false},
		{"typed NoSuchBucket", &types.NoSuchBucket{}, false},
		{"status only", &mockAPIError{code: "UnknownError", httpStatus: 404}, true},
		{"typed", &types.NoSuchKey{}, true},
		{"wrapped", fmt.Errorf("get: %w", &mockAPIError{code: "404"}), true},
		{"access denied", &mockAPIError{code: "AccessDenied"}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAWSNotFound(tt.err); got != tt.want {
				t.Errorf("isAWSNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/metadata"
)

type mockAzureBlob struct {
	data  []byte
	props AzureBlobProperties
}

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	// blobs stores all blobs keyed by "container/blobName".
	blobs map[string]*mockAzureBlob
	// uploadCalls tracks the number of upload operations.
	uploadCalls int
	// deleteCalls tracks the number of delete operations.
	deleteCalls int
	// pageSize is the number of blobs per listing page.
	pageSize int
	err      error
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{
		blobs:    make(map[string]*mockAzureBlob),
		pageSize: 2,
	}
}

func (m *mockAzureClient) blobKey(containerName, blobName string) string {
	return containerName + "/" + blobName
}

func azureNotFound() error {
	return &azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: http.StatusNotFound}
}

func (m *mockAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte, props AzureBlobProperties) error {
	if m.err != nil {
		return m.err
	}
	m.uploadCalls++
	copied := make([]byte, len(data))
	copy(copied, data)
	props.Name = blobName
	props.Size = int64(len(data))
	props.ETag = `"0x8DC8A1B2C3D4E5F"`
	m.blobs[m.blobKey(containerName, blobName)] = &mockAzureBlob{data: copied, props: props}
	return nil
}

func (m *mockAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProperties, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	b, ok := m.blobs[m.blobKey(containerName, blobName)]
	if !ok {
		return nil, nil, azureNotFound()
	}
	props := b.props
	return io.NopCloser(bytes.NewReader(b.data)), &props, nil
}

func (m *mockAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProperties, error) {
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.blobs[m.blobKey(containerName, blobName)]
	if !ok {
		return nil, azureNotFound()
	}
	props := b.props
	return &props, nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.deleteCalls++
	key := m.blobKey(containerName, blobName)
	if _, ok := m.blobs[key]; !ok {
		return fmt.Errorf("BlobNotFound: the specified blob does not exist")
	}
	delete(m.blobs, key)
	return nil
}

func (m *mockAzureClient) ListBlobs(ctx context.Context, containerName, marker string) ([]*AzureBlobProperties, string, error) {
	if m.err != nil {
		return nil, "", m.err
	}
	prefix := containerName + "/"
	var names []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	start := 0
	if marker != "" {
		start, _ = strconv.Atoi(marker)
	}
	end := start + m.pageSize
	if end > len(names) {
		end = len(names)
	}
	var page []*AzureBlobProperties
	for _, k := range names[start:end] {
		props := m.blobs[k].props
		page = append(page, &props)
	}
	next := ""
	if end < len(names) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

// --- Test helpers ---

func newTestAzureClient(t *testing.T) (*AzureClient, *mockAzureClient) {
	t.Helper()
	mock := newMockAzureClient()
	cfg := config.AzureConfig{Container: "test-container", AccountURL: "https://account.blob.core.windows.net/"}
	return NewAzureClientWithAPI(cfg, mock), mock
}

// --- Tests ---

func TestAzurePutAndGet(t *testing.T) {
	c, mock := newTestAzureClient(t)
	ctx := context.Background()

	etag, err := c.Put(ctx, "test-object", strings.NewReader("object data"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if etag != "85f30635602dc09bd85957a6e82a2c21" {
		t.Errorf("etag = %q", etag)
	}
	sum := md5.Sum([]byte("object data"))
	if got := mock.blobs["test-container/test-object"].props.ContentMD5; !bytes.Equal(got, sum[:]) {
		t.Errorf("stored Content-MD5 = %x, want %x", got, sum)
	}

	obj, err := c.GetVerified(ctx, "test-object")
	if err != nil {
		t.Fatalf("GetVerified failed: %v", err)
	}
	defer obj.Close()
	if obj.URI != "https://account.blob.core.windows.net/test-container/test-object" {
		t.Errorf("URI = %q", obj.URI)
	}
	if obj.ETag() != etag {
		t.Errorf("ETag() = %q, want %q", obj.ETag(), etag)
	}
	data, _ := io.ReadAll(obj.Payload)
	if string(data) != "object data" {
		t.Errorf("data = %q", data)
	}
}

func TestAzureBlobWithoutMD5(t *testing.T) {
	c, mock := newTestAzureClient(t)
	mock.blobs["test-container/block"] = &mockAzureBlob{
		data:  []byte("object data"),
		props: AzureBlobProperties{Name: "block", Size: 11, ETag: `"0x8DC8A1B2C3D4E5F"`},
	}

	md, err := c.GetMetadata(context.Background(), "block")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if md.ETag() != "0x8DC8A1B2C3D4E5F" {
		t.Errorf("ETag() = %q", md.ETag())
	}
	if _, err := c.GetVerified(context.Background(), "block"); !errors.Is(err, objerr.ErrContentValidation) {
		t.Errorf("err = %v, want content validation error", err)
	}
}

func TestAzureHeadersAndUserMetadata(t *testing.T) {
	c, _ := newTestAzureClient(t)
	md := metadata.FromBytes([]byte("object data"))
	md.SetContentType("text/plain")
	md.SetContentDisposition("attachment")
	md.SetUserMetadata("source", "europeana")
	obj, _ := NewStorageObject("k", "", md, BytesPayload([]byte("object data")))
	if _, err := c.PutObject(context.Background(), obj); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	got, err := c.GetWithoutBody(context.Background(), "k")
	if err != nil {
		t.Fatalf("GetWithoutBody failed: %v", err)
	}
	if got.Metadata.ContentType() != "text/plain" || got.Metadata.ContentDisposition() != "attachment" {
		t.Errorf("metadata = %v", got.Metadata.Raw())
	}
	if got.Metadata.UserMetadata()["source"] != "europeana" {
		t.Errorf("UserMetadata() = %v", got.Metadata.UserMetadata())
	}
}

func TestAzureNotFound(t *testing.T) {
	c, _ := newTestAzureClient(t)
	ctx := context.Background()

	if obj, err := c.Get(ctx, "missing"); err != nil || obj != nil {
		t.Errorf("Get = %v, %v; want nil, nil", obj, err)
	}
	if ok, err := c.Exists(ctx, "missing"); err != nil || ok {
		t.Errorf("Exists = %v, %v; want false, nil", ok, err)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestAzureList(t *testing.T) {
	c, _ := newTestAzureClient(t)
	ctx := context.Background()
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		if _, err := c.Put(ctx, k, strings.NewReader("object data")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	objs, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var names []string
	for _, o := range objs {
		names = append(names, o.Name)
	}
	if strings.Join(names, ",") != "a,b,c,d,e" {
		t.Errorf("List names = %v", names)
	}
}

func TestAzureProviderFault(t *testing.T) {
	c, mock := newTestAzureClient(t)
	mock.err = &azcore.ResponseError{ErrorCode: "ServerBusy", StatusCode: http.StatusServiceUnavailable}

	_, err := c.GetMetadata(context.Background(), "k")
	if !errors.Is(err, objerr.ErrProviderFault) {
		t.Fatalf("err = %v, want provider fault", err)
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) || respErr.ErrorCode != "ServerBusy" {
		t.Errorf("SDK error not reachable from %v", err)
	}
}

func TestAzureClose(t *testing.T) {
	c, _ := newTestAzureClient(t)
	c.Close()
	if _, err := c.List(context.Background()); !errors.Is(err, objerr.ErrClosed) {
		t.Errorf("List after Close err = %v, want closed", err)
	}
}

func TestIsAzureBlobNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"response 404", azureNotFound(), true},
		{"message", errors.New("BlobNotFound: the specified blob does not exist"), true},
		{"forbidden", &azcore.ResponseError{ErrorCode: "AuthorizationFailure", StatusCode: http.StatusForbidden}, false},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAzureBlobNotFound(tt.err); got != tt.want {
				t.Errorf("isAzureBlobNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the Azure adapter uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte, props AzureBlobProperties) error
	// DownloadBlob opens a blob's contents together with its properties.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProperties, error)
	// GetBlobProperties retrieves the properties of a blob.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProperties, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ListBlobs returns one page of blobs starting at marker, and the marker
	// of the next page, empty on the last page.
	ListBlobs(ctx context.Context, containerName, marker string) ([]*AzureBlobProperties, string, error)
}

// AzureClient implements Client for an Azure Blob Storage container.
type AzureClient struct {
	lifecycle

	container  string
	accountURL string
	client     AzureBlobAPI
}

// NewAzureClient creates an AzureClient for cfg.Container. Credentials are
// resolved from, in order: the connection string, managed identity when
// enabled, and DefaultAzureCredential (env vars, Azure CLI, etc.).
func NewAzureClient(ctx context.Context, cfg config.AzureConfig) (*AzureClient, error) {
	if cfg.Container == "" {
		return nil, objerr.InvalidArgument("", "azure container is required")
	}
	if cfg.AccountURL == "" && cfg.ConnectionString == "" {
		return nil, objerr.InvalidArgument("", "azure account URL or connection string is required")
	}
	api, err := newRealAzureClient(cfg.AccountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, objerr.Provider("creating Azure client", "", err)
	}
	cfg.AccountURL = api.accountURL()
	c := NewAzureClientWithAPI(cfg, api)

	// Verify the container is accessible by probing a blob that cannot exist.
	if _, err := api.GetBlobProperties(ctx, cfg.Container, "\x00nonexistent\x00"); err != nil && !isAzureBlobNotFound(err) {
		return nil, objerr.Provider("accessing container "+cfg.Container, "", err)
	}

	slog.Info("Azure client initialized", "container", cfg.Container, "account", c.accountURL)
	return c, nil
}

// NewAzureClientWithAPI creates an AzureClient with a pre-configured Azure
// client. This is primarily used for testing with mock clients.
func NewAzureClientWithAPI(cfg config.AzureConfig, client AzureBlobAPI) *AzureClient {
	return &AzureClient{
		container:  cfg.Container,
		accountURL: strings.TrimRight(cfg.AccountURL, "/"),
		client:     client,
	}
}

func (c *AzureClient) Name() string       { return "Azure Blob Storage" }
func (c *AzureClient) BucketName() string { return c.container }

// objectURI returns the blob URL.
func (c *AzureClient) objectURI(key string) string {
	return c.accountURL + "/" + c.container + "/" + (&url.URL{Path: key}).EscapedPath()
}

// List follows page markers until the listing is exhausted.
func (c *AzureClient) List(ctx context.Context) ([]*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var objs []*StorageObject
	marker := ""
	for {
		page, next, err := c.client.ListBlobs(ctx, c.container, marker)
		if err != nil {
			return nil, objerr.Provider("listing blobs", "", err)
		}
		for _, p := range page {
			objs = append(objs, &StorageObject{Name: p.Name, URI: c.objectURI(p.Name), Metadata: azureMetadata(p)})
		}
		if next == "" {
			return objs, nil
		}
		marker = next
	}
}

func (c *AzureClient) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

func (c *AzureClient) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutObject uploads obj with its Content-MD5 stored as a blob property, so
// later verified reads can check it.
func (c *AzureClient) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
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
	sum, _ := integrity.ExpectedFromContentMD5(up.md.ContentMD5())

	props := AzureBlobProperties{
		ContentMD5:         sum,
		ContentType:        up.md.ContentType(),
		ContentEncoding:    up.md.ContentEncoding(),
		ContentDisposition: up.md.ContentDisposition(),
		ContentLanguage:    up.md.ContentLanguage(),
		CacheControl:       up.md.CacheControl(),
		Metadata:           up.md.UserMetadata(),
	}
	if err := c.client.UploadBlob(ctx, c.container, up.key, up.data, props); err != nil {
		return "", objerr.Provider("uploading blob", up.key, err)
	}
	return integrity.HexMD5(up.data), nil
}

func (c *AzureClient) Get(ctx context.Context, key string) (*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	body, props, err := c.client.DownloadBlob(ctx, c.container, key)
	if err != nil {
		if isAzureBlobNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("downloading blob", key, err)
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: azureMetadata(props), Payload: body}, nil
}

func (c *AzureClient) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

func (c *AzureClient) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

func (c *AzureClient) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

func (c *AzureClient) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, objerr.InvalidArgument("", "object name is required")
	}
	props, err := c.client.GetBlobProperties(ctx, c.container, key)
	if err != nil {
		if isAzureBlobNotFound(err) {
			return nil, nil
		}
		return nil, objerr.Provider("reading blob properties", key, err)
	}
	return azureMetadata(props), nil
}

// Delete removes key. Idempotent: catches not-found silently.
func (c *AzureClient) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	if key == "" {
		return objerr.InvalidArgument("", "object name is required")
	}
	if err := c.client.DeleteBlob(ctx, c.container, key); err != nil && !isAzureBlobNotFound(err) {
		return objerr.Provider("deleting blob", key, err)
	}
	return nil
}

// Close marks the client closed. The SDK pipeline keeps no resources that
// need explicit release.
func (c *AzureClient) Close() error {
	if c.markClosed() {
		slog.Info("Azure client closed", "container", c.container)
	}
	return nil
}

// azureMetadata maps blob properties. The ETag is the hex Content-MD5 when
// the blob carries one; otherwise the Azure ETag is kept.
func azureMetadata(p *AzureBlobProperties) *metadata.Metadata {
	md := metadata.New()
	md.SetContentLength(p.Size)
	md.SetContentType(p.ContentType)
	md.SetContentEncoding(p.ContentEncoding)
	md.SetContentDisposition(p.ContentDisposition)
	md.SetContentLanguage(p.ContentLanguage)
	md.SetCacheControl(p.CacheControl)
	if len(p.ContentMD5) == 16 {
		md.SetETag(hex.EncodeToString(p.ContentMD5))
		md.SetContentMD5(base64.StdEncoding.EncodeToString(p.ContentMD5))
	} else {
		md.SetETag(normalizeETag(p.ETag))
	}
	if !p.LastModified.IsZero() {
		md.SetLastModified(p.LastModified)
	}
	for k, v := range p.Metadata {
		md.SetUserMetadata(k, v)
	}
	return md
}

// isAzureBlobNotFound checks if an Azure error is a not-found error.
func isAzureBlobNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") ||
		strings.Contains(msg, "the specified blob does not exist")
}

// Ensure AzureClient implements Client at compile time.
var _ Client = (*AzureClient)(nil)

func init() {
	Register("azure", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		c, err := NewAzureClient(ctx, cfg.Azure)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

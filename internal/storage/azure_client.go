package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. If connectionString is
// non-empty, it uses connection string auth. If useManagedIdentity is true, it
// uses managed identity credentials. Otherwise it falls back to
// DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	var cred azcore.TokenCredential
	if useManagedIdentity {
		mi, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		cred = mi
	} else {
		def, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure credential: %w", err)
		}
		cred = def
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

// accountURL returns the service URL the client talks to.
func (c *realAzureClient) accountURL() string {
	return c.client.URL()
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte, props AzureBlobProperties) error {
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType:        optPtr(props.ContentType),
			BlobContentEncoding:    optPtr(props.ContentEncoding),
			BlobContentDisposition: optPtr(props.ContentDisposition),
			BlobContentLanguage:    optPtr(props.ContentLanguage),
			BlobCacheControl:       optPtr(props.CacheControl),
			BlobContentMD5:         props.ContentMD5,
		},
	}
	if len(props.Metadata) > 0 {
		opts.Metadata = make(map[string]*string, len(props.Metadata))
		for k, v := range props.Metadata {
			opts.Metadata[k] = to.Ptr(v)
		}
	}
	_, err := c.client.UploadBuffer(ctx, containerName, blobName, data, opts)
	return err
}

func (c *realAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProperties, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, nil, err
	}
	props := &AzureBlobProperties{
		Name:               blobName,
		Size:               deref(resp.ContentLength),
		ContentMD5:         resp.ContentMD5,
		ContentType:        deref(resp.ContentType),
		ContentEncoding:    deref(resp.ContentEncoding),
		ContentDisposition: deref(resp.ContentDisposition),
		ContentLanguage:    deref(resp.ContentLanguage),
		CacheControl:       deref(resp.CacheControl),
		LastModified:       deref(resp.LastModified),
		Metadata:           derefMap(resp.Metadata),
	}
	if resp.ETag != nil {
		props.ETag = string(*resp.ETag)
	}
	return resp.Body, props, nil
}

func (c *realAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProperties, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	props := &AzureBlobProperties{
		Name:               blobName,
		Size:               deref(resp.ContentLength),
		ContentMD5:         resp.ContentMD5,
		ContentType:        deref(resp.ContentType),
		ContentEncoding:    deref(resp.ContentEncoding),
		ContentDisposition: deref(resp.ContentDisposition),
		ContentLanguage:    deref(resp.ContentLanguage),
		CacheControl:       deref(resp.CacheControl),
		LastModified:       deref(resp.LastModified),
		Metadata:           derefMap(resp.Metadata),
	}
	if resp.ETag != nil {
		props.ETag = string(*resp.ETag)
	}
	return props, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName, marker string) ([]*AzureBlobProperties, string, error) {
	var opts azblob.ListBlobsFlatOptions
	if marker != "" {
		opts.Marker = to.Ptr(marker)
	}
	pager := c.client.NewListBlobsFlatPager(containerName, &opts)
	if !pager.More() {
		return nil, "", nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, "", err
	}
	var page []*AzureBlobProperties
	if resp.Segment != nil {
		for _, item := range resp.Segment.BlobItems {
			props := &AzureBlobProperties{Name: deref(item.Name)}
			if p := item.Properties; p != nil {
				props.Size = deref(p.ContentLength)
				props.ContentMD5 = p.ContentMD5
				props.ContentType = deref(p.ContentType)
				props.LastModified = deref(p.LastModified)
				if p.ETag != nil {
					props.ETag = string(*p.ETag)
				}
			}
			page = append(page, props)
		}
	}
	return page, deref(resp.NextMarker), nil
}

func optPtr(s string) *string {
	if s == "" {
		return nil
	}
	return to.Ptr(s)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func derefMap(m map[string]*string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = deref(v)
	}
	return out
}

// AzureBlobProperties holds the blob properties exchanged with Azure.
type AzureBlobProperties struct {
	Name               string
	Size               int64
	ContentMD5         []byte
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	ContentLanguage    string
	CacheControl       string
	Metadata           map[string]string
	LastModified       time.Time
}

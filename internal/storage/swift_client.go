package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/majewsky/schwift"
	"github.com/majewsky/schwift/gopherschwift"

	"github.com/bleepstore/objectstore/internal/config"
)

// errSwiftNotFound is returned by SwiftAPI implementations for a 404.
var errSwiftNotFound = errors.New("swift: object not found")

// SwiftObjectInfo is one entry of a container listing.
type SwiftObjectInfo struct {
	Name         string
	SizeBytes    uint64
	ContentType  string
	Etag         string
	LastModified time.Time
}

// SwiftLister pages through a container listing. NextPage returns an empty
// page once the listing is exhausted.
type SwiftLister interface {
	NextPage(limit int) ([]SwiftObjectInfo, error)
}

// SwiftAPI is the subset of Swift object operations used by SwiftClient.
// Headers are plain canonical header maps. A missing object is reported as
// errSwiftNotFound.
type SwiftAPI interface {
	Upload(ctx context.Context, container, object string, body io.Reader, headers map[string]string) error
	Download(ctx context.Context, container, object string) (io.ReadCloser, map[string]string, error)
	Head(ctx context.Context, container, object string) (map[string]string, error)
	Delete(ctx context.Context, container, object string) error
	Objects(ctx context.Context, container string) SwiftLister
}

// realSwiftClient wraps a schwift.Account to satisfy SwiftAPI.
type realSwiftClient struct {
	account *schwift.Account
}

// newRealSwiftClient authenticates against Keystone and resolves the object
// storage endpoint. An empty AuthURL reads the standard OS_* variables.
func newRealSwiftClient(cfg config.SwiftConfig) (*realSwiftClient, error) {
	var opts gophercloud.AuthOptions
	if cfg.AuthURL == "" {
		envOpts, err := openstack.AuthOptionsFromEnv()
		if err != nil {
			return nil, fmt.Errorf("reading OpenStack credentials from environment: %w", err)
		}
		opts = envOpts
	} else {
		opts = gophercloud.AuthOptions{
			IdentityEndpoint: cfg.AuthURL,
			Username:         cfg.Username,
			Password:         cfg.Password,
			DomainName:       cfg.Domain,
			TenantName:       cfg.Project,
		}
		if cfg.Project != "" {
			opts.Scope = &gophercloud.AuthScope{ProjectName: cfg.Project, DomainName: cfg.Domain}
		}
	}
	opts.AllowReauth = true

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("authenticating with OpenStack: %w", err)
	}
	client, err := openstack.NewObjectStorageV1(provider, gophercloud.EndpointOpts{Region: cfg.Region})
	if err != nil {
		return nil, fmt.Errorf("resolving Swift endpoint: %w", err)
	}
	account, err := gopherschwift.Wrap(client, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping Swift client: %w", err)
	}
	return &realSwiftClient{account: account}, nil
}

func requestOptions(ctx context.Context, hdr schwift.Headers) *schwift.RequestOptions {
	opts := hdr.ToOpts()
	opts.Context = ctx
	return opts
}

func translateSwiftErr(err error) error {
	if schwift.Is(err, http.StatusNotFound) {
		return errSwiftNotFound
	}
	return err
}

func (r *realSwiftClient) Upload(ctx context.Context, container, object string, body io.Reader, headers map[string]string) error {
	hdr := schwift.NewObjectHeaders()
	for k, v := range headers {
		hdr.Set(k, v)
	}
	obj := r.account.Container(container).Object(object)
	return translateSwiftErr(obj.Upload(body, nil, requestOptions(ctx, hdr.Headers)))
}

func (r *realSwiftClient) Download(ctx context.Context, container, object string) (io.ReadCloser, map[string]string, error) {
	obj := r.account.Container(container).Object(object)
	body, err := obj.Download(requestOptions(ctx, schwift.Headers{})).AsReadCloser()
	if err != nil {
		return nil, nil, translateSwiftErr(err)
	}
	hdr, err := obj.Headers()
	if err != nil {
		body.Close()
		return nil, nil, translateSwiftErr(err)
	}
	return body, hdr.Headers, nil
}

func (r *realSwiftClient) Head(ctx context.Context, container, object string) (map[string]string, error) {
	obj := r.account.Container(container).Object(object)
	hdr, err := obj.Headers()
	if err != nil {
		return nil, translateSwiftErr(err)
	}
	return hdr.Headers, nil
}

func (r *realSwiftClient) Delete(ctx context.Context, container, object string) error {
	obj := r.account.Container(container).Object(object)
	return translateSwiftErr(obj.Delete(nil, requestOptions(ctx, schwift.Headers{})))
}

func (r *realSwiftClient) Objects(ctx context.Context, container string) SwiftLister {
	return &realSwiftLister{iter: r.account.Container(container).Objects()}
}

type realSwiftLister struct {
	iter *schwift.ObjectIterator
}

func (l *realSwiftLister) NextPage(limit int) ([]SwiftObjectInfo, error) {
	infos, err := l.iter.NextPageDetailed(limit)
	if err != nil {
		return nil, translateSwiftErr(err)
	}
	page := make([]SwiftObjectInfo, 0, len(infos))
	for _, info := range infos {
		page = append(page, SwiftObjectInfo{
			Name:         info.Object.Name(),
			SizeBytes:    info.SizeBytes,
			ContentType:  info.ContentType,
			Etag:         info.Etag,
			LastModified: info.LastModified,
		})
	}
	return page, nil
}

package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// testClientContract runs the behavior every Client shares against a fresh,
// empty client. It closes c at the end.
func testClientContract(t *testing.T, c Client) {
	t.Helper()
	ctx := context.Background()
	const (
		body = "object data"
		etag = "85f30635602dc09bd85957a6e82a2c21"
	)

	t.Run("PutAndGet", func(t *testing.T) {
		got, err := c.Put(ctx, "docs/a.txt", strings.NewReader(body))
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if got != etag {
			t.Errorf("etag = %q, want %q", got, etag)
		}
		obj, err := c.Get(ctx, "docs/a.txt")
		if err != nil || obj == nil {
			t.Fatalf("Get = %v, %v", obj, err)
		}
		defer obj.Close()
		if obj.ETag() != etag {
			t.Errorf("ETag() = %q, want %q", obj.ETag(), etag)
		}
		if obj.Metadata.ContentLength() != int64(len(body)) {
			t.Errorf("ContentLength() = %d", obj.Metadata.ContentLength())
		}
		if obj.URI == "" {
			t.Error("URI is empty")
		}
		data, _ := io.ReadAll(obj.Payload)
		if string(data) != body {
			t.Errorf("data = %q, want %q", data, body)
		}
	})

	t.Run("HeadersRoundTrip", func(t *testing.T) {
		md := metadata.FromBytes([]byte(body))
		md.SetContentType("text/plain")
		md.SetCacheControl("no-cache")
		md.SetUserMetadata("Source", "europeana")
		obj, _ := NewStorageObject("headers", "", md, BytesPayload([]byte(body)))
		if _, err := c.PutObject(ctx, obj); err != nil {
			t.Fatalf("PutObject failed: %v", err)
		}
		got, err := c.GetMetadata(ctx, "headers")
		if err != nil || got == nil {
			t.Fatalf("GetMetadata = %v, %v", got, err)
		}
		if got.ContentType() != "text/plain" {
			t.Errorf("ContentType() = %q", got.ContentType())
		}
		if got.CacheControl() != "no-cache" {
			t.Errorf("CacheControl() = %q", got.CacheControl())
		}
		if got.UserMetadata()["source"] != "europeana" {
			t.Errorf("UserMetadata() = %v", got.UserMetadata())
		}
		if got.LastModified().IsZero() {
			t.Error("LastModified() is zero")
		}
	})

	t.Run("GetVerified", func(t *testing.T) {
		obj, err := c.GetVerified(ctx, "docs/a.txt")
		if err != nil || obj == nil {
			t.Fatalf("GetVerified = %v, %v", obj, err)
		}
		data, _ := io.ReadAll(obj.Payload)
		obj.Close()
		if string(data) != body {
			t.Errorf("data = %q", data)
		}
	})

	t.Run("GetWithoutBody", func(t *testing.T) {
		obj, err := c.GetWithoutBody(ctx, "docs/a.txt")
		if err != nil || obj == nil {
			t.Fatalf("GetWithoutBody = %v, %v", obj, err)
		}
		if obj.Payload != http.NoBody {
			t.Errorf("Payload = %T, want http.NoBody", obj.Payload)
		}
		if obj.ETag() != etag {
			t.Errorf("ETag() = %q", obj.ETag())
		}
	})

	t.Run("GetContent", func(t *testing.T) {
		data, err := c.GetContent(ctx, "docs/a.txt")
		if err != nil || string(data) != body {
			t.Errorf("GetContent = %q, %v", data, err)
		}
		data, err = c.GetContent(ctx, "missing")
		if err != nil || data == nil || len(data) != 0 {
			t.Errorf("GetContent(missing) = %#v, %v; want empty slice", data, err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if obj, err := c.Get(ctx, "missing"); err != nil || obj != nil {
			t.Errorf("Get = %v, %v; want nil, nil", obj, err)
		}
		if obj, err := c.GetVerified(ctx, "missing"); err != nil || obj != nil {
			t.Errorf("GetVerified = %v, %v; want nil, nil", obj, err)
		}
		if obj, err := c.GetWithoutBody(ctx, "missing"); err != nil || obj != nil {
			t.Errorf("GetWithoutBody = %v, %v; want nil, nil", obj, err)
		}
		if md, err := c.GetMetadata(ctx, "missing"); err != nil || md != nil {
			t.Errorf("GetMetadata = %v, %v; want nil, nil", md, err)
		}
		if ok, err := c.Exists(ctx, "missing"); err != nil || ok {
			t.Errorf("Exists = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("InvalidArgument", func(t *testing.T) {
		if _, err := c.Get(ctx, ""); !errors.Is(err, objerr.ErrInvalidArgument) {
			t.Errorf("Get(\"\") err = %v", err)
		}
		if _, err := c.Put(ctx, "", strings.NewReader(body)); !errors.Is(err, objerr.ErrInvalidArgument) {
			t.Errorf("Put(\"\") err = %v", err)
		}
		empty, _ := NewStorageObject("empty", "", nil, BytesPayload(nil))
		if _, err := c.PutObject(ctx, empty); !errors.Is(err, objerr.ErrInvalidArgument) {
			t.Errorf("PutObject(zero length) err = %v", err)
		}
		if ok, _ := c.Exists(ctx, "empty"); ok {
			t.Error("zero-length object was stored")
		}
	})

	t.Run("DeclaredMD5Mismatch", func(t *testing.T) {
		md := metadata.FromBytes([]byte("other data!"))
		obj, _ := NewStorageObject("mismatch", "", md, BytesPayload([]byte(body)))
		if _, err := c.PutObject(ctx, obj); !errors.Is(err, objerr.ErrContentValidation) {
			t.Errorf("PutObject err = %v, want content validation error", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if _, err := c.Put(ctx, "docs/a.txt", strings.NewReader("new data")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		data, _ := c.GetContent(ctx, "docs/a.txt")
		if string(data) != "new data" {
			t.Errorf("data = %q", data)
		}
	})

	t.Run("List", func(t *testing.T) {
		objs, err := c.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		var names []string
		for _, o := range objs {
			names = append(names, o.Name)
			if o.Payload != nil {
				t.Errorf("%s: listing carries a payload", o.Name)
			}
		}
		if got := strings.Join(names, ","); got != "docs/a.txt,headers" {
			t.Errorf("List names = %q", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := c.Delete(ctx, "docs/a.txt"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := c.Delete(ctx, "docs/a.txt"); err != nil {
			t.Errorf("second Delete failed: %v", err)
		}
		if ok, _ := c.Exists(ctx, "docs/a.txt"); ok {
			t.Error("object still exists after Delete")
		}
	})

	t.Run("Close", func(t *testing.T) {
		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := c.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}
		if _, err := c.List(ctx); !errors.Is(err, objerr.ErrClosed) {
			t.Errorf("List after Close err = %v", err)
		}
		if _, err := c.Put(ctx, "k", strings.NewReader(body)); !errors.Is(err, objerr.ErrClosed) {
			t.Errorf("Put after Close err = %v", err)
		}
	})
}

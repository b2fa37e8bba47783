package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
)

func newTestLocalClient(t *testing.T, root string) *LocalClient {
	t.Helper()
	c, err := NewLocalClient(config.LocalConfig{Root: root, Bucket: "test-bucket"})
	if err != nil {
		t.Fatalf("NewLocalClient failed: %v", err)
	}
	return c
}

func TestLocalClientContract(t *testing.T) {
	testClientContract(t, newTestLocalClient(t, t.TempDir()))
}

func TestLocalFileLayout(t *testing.T) {
	root := t.TempDir()
	c := newTestLocalClient(t, root)
	ctx := context.Background()

	if _, err := c.Put(ctx, "a/b/c.txt", strings.NewReader("object data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "test-bucket", "a", "b", "c.txt"))
	if err != nil || string(data) != "object data" {
		t.Errorf("data file = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, ".meta", "test-bucket", "a", "b", "c.txt.json")); err != nil {
		t.Errorf("sidecar missing: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, ".tmp"))
	if len(entries) != 0 {
		t.Errorf("temp directory holds %d files", len(entries))
	}

	if err := c.Delete(ctx, "a/b/c.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "test-bucket", "a")); !os.IsNotExist(err) {
		t.Errorf("empty parent directory was not removed: %v", err)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	c := newTestLocalClient(t, t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"../outside", "a/../../outside", "/etc/passwd", "."} {
		t.Run(key, func(t *testing.T) {
			if _, err := c.Put(ctx, key, strings.NewReader("x")); !errors.Is(err, objerr.ErrInvalidArgument) {
				t.Errorf("Put err = %v, want invalid argument", err)
			}
		})
	}
}

func TestLocalFileWithoutSidecar(t *testing.T) {
	root := t.TempDir()
	c := newTestLocalClient(t, root)
	if err := os.WriteFile(filepath.Join(root, "test-bucket", "dropped"), []byte("object data"), 0o644); err != nil {
		t.Fatal(err)
	}

	md, err := c.GetMetadata(context.Background(), "dropped")
	if err != nil || md == nil {
		t.Fatalf("GetMetadata = %v, %v", md, err)
	}
	if md.ContentLength() != 11 {
		t.Errorf("ContentLength() = %d", md.ContentLength())
	}
	if md.LastModified().IsZero() {
		t.Error("LastModified() is zero")
	}
	// No checksum to verify against.
	if _, err := c.GetVerified(context.Background(), "dropped"); !errors.Is(err, objerr.ErrContentValidation) {
		t.Errorf("GetVerified err = %v, want content validation error", err)
	}
}

func TestLocalCleansTempFilesOnStart(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(root, ".tmp", "tmp-stale")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	newTestLocalClient(t, root)
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temp file survived: %v", err)
	}
}

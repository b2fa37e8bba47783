package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// LocalClient implements Client on the local filesystem. Object data lives
// at <root>/<bucket>/<key>; headers are kept in a JSON sidecar under
// <root>/.meta/<bucket>/<key>.json.
type LocalClient struct {
	lifecycle

	root   string
	bucket string
}

// localSidecar is the JSON document stored next to each object.
type localSidecar struct {
	ETag         string            `json:"etag"`
	Headers      map[string]string `json:"headers,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// NewLocalClient creates a LocalClient rooted at cfg.Root. Leftover temp
// files of interrupted writes are removed.
func NewLocalClient(cfg config.LocalConfig) (*LocalClient, error) {
	if cfg.Bucket == "" || strings.ContainsAny(cfg.Bucket, `/\`) || cfg.Bucket == "." || cfg.Bucket == ".." {
		return nil, objerr.InvalidArgument("", "invalid local bucket name %q", cfg.Bucket)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, objerr.InvalidArgument("", "invalid local root %q: %v", cfg.Root, err)
	}
	c := &LocalClient{root: root, bucket: cfg.Bucket}
	for _, dir := range []string{c.bucketDir(), c.metaDir(), c.tmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, objerr.Provider("creating directory "+dir, "", err)
		}
	}
	if err := c.cleanTempFiles(); err != nil {
		return nil, objerr.Provider("cleaning temp files", "", err)
	}
	slog.Info("local client initialized", "root", root, "bucket", cfg.Bucket)
	return c, nil
}

func (c *LocalClient) bucketDir() string { return filepath.Join(c.root, c.bucket) }
func (c *LocalClient) metaDir() string   { return filepath.Join(c.root, ".meta", c.bucket) }
func (c *LocalClient) tmpDir() string    { return filepath.Join(c.root, ".tmp") }

// cleanTempFiles removes files left in the temp directory by writes that
// never reached their rename.
func (c *LocalClient) cleanTempFiles() error {
	entries, err := os.ReadDir(c.tmpDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(c.tmpDir(), entry.Name()))
		}
	}
	return nil
}

// paths returns the data and sidecar paths of key. Keys that would escape
// the bucket directory are rejected.
func (c *LocalClient) paths(key string) (string, string, error) {
	if key == "" {
		return "", "", objerr.InvalidArgument("", "object name is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", objerr.InvalidArgument(key, "object name escapes the bucket directory")
	}
	return filepath.Join(c.bucketDir(), clean), filepath.Join(c.metaDir(), clean+".json"), nil
}

func (c *LocalClient) Name() string       { return "Local Filesystem" }
func (c *LocalClient) BucketName() string { return c.bucket }

func (c *LocalClient) objectURI(key string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(c.bucketDir(), key))}).String()
}

// List walks the bucket directory and returns the objects sorted by key.
func (c *LocalClient) List(ctx context.Context) ([]*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var objs []*StorageObject
	err := filepath.WalkDir(c.bucketDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		rel, err := filepath.Rel(c.bucketDir(), path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		md, err := c.stat(key)
		if err != nil {
			return err
		}
		if md != nil {
			objs = append(objs, &StorageObject{Name: key, URI: c.objectURI(key), Metadata: summaryMetadata(md)})
		}
		return nil
	})
	if err != nil {
		return nil, objerr.Provider("listing objects", "", err)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Compare(objs[j]) < 0 })
	return objs, nil
}

// summaryMetadata keeps the fields a listing reports.
func summaryMetadata(md *metadata.Metadata) *metadata.Metadata {
	out := metadata.New()
	out.SetContentLength(md.ContentLength())
	out.SetETag(md.ETag())
	out.SetLastModified(md.LastModified())
	return out
}

func (c *LocalClient) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

func (c *LocalClient) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutObject writes the object with the atomic write pattern: write to a
// temp file, fsync, rename. The sidecar is written the same way, after the
// data.
func (c *LocalClient) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
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
	dataPath, metaPath, err := c.paths(up.key)
	if err != nil {
		return "", err
	}

	etag := integrity.HexMD5(up.data)
	sidecar, err := json.Marshal(localSidecar{
		ETag:         etag,
		Headers:      persistedHeaders(up.md),
		LastModified: time.Now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return "", objerr.Provider("encoding sidecar", up.key, err)
	}
	if err := c.writeAtomic(dataPath, up.data); err != nil {
		return "", objerr.Provider("writing object data", up.key, err)
	}
	if err := c.writeAtomic(metaPath, sidecar); err != nil {
		return "", objerr.Provider("writing object sidecar", up.key, err)
	}
	return etag, nil
}

func (c *LocalClient) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}
	tmpPath := filepath.Join(c.tmpDir(), "tmp-"+uuid.NewString())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Get opens the object file. The returned payload is the open file.
func (c *LocalClient) Get(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	dataPath, _, _ := c.paths(key)
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, objerr.Provider("opening object file", key, err)
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: f}, nil
}

func (c *LocalClient) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

func (c *LocalClient) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

func (c *LocalClient) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

func (c *LocalClient) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	md, err := c.stat(key)
	if err != nil {
		var oe *objerr.ObjectError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, objerr.Provider("reading object metadata", key, err)
	}
	return md, nil
}

// stat reads the file info and sidecar of key. A missing data file yields
// nil metadata. A missing sidecar leaves only length and modification time.
func (c *LocalClient) stat(key string) (*metadata.Metadata, error) {
	dataPath, metaPath, err := c.paths(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}

	var sc localSidecar
	raw, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("decoding sidecar: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		sc.LastModified = info.ModTime().UTC()
	default:
		return nil, err
	}
	return storedMetadata(sc.Headers, info.Size(), sc.ETag, sc.LastModified), nil
}

// Delete removes the data file and its sidecar, then prunes empty parent
// directories up to the bucket root.
func (c *LocalClient) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	dataPath, metaPath, err := c.paths(key)
	if err != nil {
		return err
	}
	for _, p := range []string{dataPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return objerr.Provider("removing object file", key, err)
		}
	}
	cleanEmptyParents(filepath.Dir(dataPath), c.bucketDir())
	cleanEmptyParents(filepath.Dir(metaPath), c.metaDir())
	return nil
}

func (c *LocalClient) Close() error {
	if c.markClosed() {
		slog.Info("local client closed", "root", c.root)
	}
	return nil
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// Ensure LocalClient implements Client at compile time.
var _ Client = (*LocalClient)(nil)

func init() {
	Register("local", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		c, err := NewLocalClient(cfg.Local)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

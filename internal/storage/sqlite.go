package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bleepstore/objectstore/internal/config"
	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/integrity"
	"github.com/bleepstore/objectstore/internal/metadata"
)

// SQLiteClient implements Client by storing objects as BLOBs in a SQLite
// database. Objects of several buckets can share one database file.
type SQLiteClient struct {
	lifecycle

	db     *sql.DB
	path   string
	bucket string
	now    func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
	bucket        TEXT NOT NULL,
	key           TEXT NOT NULL,
	data          BLOB NOT NULL,
	etag          TEXT NOT NULL,
	headers       TEXT NOT NULL DEFAULT '{}',
	last_modified INTEGER NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// NewSQLiteClient opens (creating if needed) the database at cfg.Path.
func NewSQLiteClient(ctx context.Context, cfg config.SQLiteConfig) (*SQLiteClient, error) {
	if cfg.Bucket == "" {
		return nil, objerr.InvalidArgument("", "sqlite bucket is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, objerr.Provider("creating database directory", "", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, objerr.Provider("opening sqlite database", "", err)
	}
	c := &SQLiteClient{db: db, path: cfg.Path, bucket: cfg.Bucket, now: time.Now}
	if err := c.initDB(ctx); err != nil {
		db.Close()
		return nil, objerr.Provider("initializing sqlite database", "", err)
	}
	slog.Info("SQLite client initialized", "path", cfg.Path, "bucket", cfg.Bucket)
	return c, nil
}

func (c *SQLiteClient) initDB(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := c.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	if _, err := c.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating objects table: %w", err)
	}
	return nil
}

func (c *SQLiteClient) Name() string       { return "SQLite" }
func (c *SQLiteClient) BucketName() string { return c.bucket }

func (c *SQLiteClient) objectURI(key string) string {
	return "sqlite://" + c.bucket + "/" + key
}

func (c *SQLiteClient) List(ctx context.Context) ([]*StorageObject, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT key, length(data), etag, last_modified FROM objects WHERE bucket = ? ORDER BY key`,
		c.bucket)
	if err != nil {
		return nil, objerr.Provider("listing objects", "", err)
	}
	defer rows.Close()

	var objs []*StorageObject
	for rows.Next() {
		var (
			key, etag string
			size      int64
			modified  int64
		)
		if err := rows.Scan(&key, &size, &etag, &modified); err != nil {
			return nil, objerr.Provider("listing objects", "", err)
		}
		md := metadata.New()
		md.SetContentLength(size)
		md.SetETag(etag)
		md.SetLastModified(time.Unix(modified, 0).UTC())
		objs = append(objs, &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md})
	}
	if err := rows.Err(); err != nil {
		return nil, objerr.Provider("listing objects", "", err)
	}
	return objs, nil
}

func (c *SQLiteClient) Exists(ctx context.Context, key string) (bool, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	return md != nil, nil
}

func (c *SQLiteClient) Put(ctx context.Context, key string, payload io.Reader) (string, error) {
	return putReader(ctx, c, key, payload)
}

// PutObject writes obj, replacing any object stored under the same key.
func (c *SQLiteClient) PutObject(ctx context.Context, obj *StorageObject) (string, error) {
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
	headers, err := json.Marshal(persistedHeaders(up.md))
	if err != nil {
		return "", objerr.Provider("encoding headers", up.key, err)
	}

	etag := integrity.HexMD5(up.data)
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (bucket, key, data, etag, headers, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.bucket, up.key, up.data, etag, string(headers), c.now().UTC().Unix())
	if err != nil {
		return "", objerr.Provider("storing object", up.key, err)
	}
	return etag, nil
}

func (c *SQLiteClient) Get(ctx context.Context, key string) (*StorageObject, error) {
	md, data, err := c.load(ctx, key, true)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: BytesPayload(data)}, nil
}

func (c *SQLiteClient) GetVerified(ctx context.Context, key string) (*StorageObject, error) {
	obj, err := c.Get(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	return verifyObject(obj)
}

func (c *SQLiteClient) GetWithoutBody(ctx context.Context, key string) (*StorageObject, error) {
	md, err := c.GetMetadata(ctx, key)
	if err != nil || md == nil {
		return nil, err
	}
	return &StorageObject{Name: key, URI: c.objectURI(key), Metadata: md, Payload: http.NoBody}, nil
}

func (c *SQLiteClient) GetContent(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentOf(obj)
}

func (c *SQLiteClient) GetMetadata(ctx context.Context, key string) (*metadata.Metadata, error) {
	md, _, err := c.load(ctx, key, false)
	return md, err
}

// load reads the row of key. The data column is only fetched when withData
// is set. A missing row yields nil metadata and no error.
func (c *SQLiteClient) load(ctx context.Context, key string, withData bool) (*metadata.Metadata, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	if key == "" {
		return nil, nil, objerr.InvalidArgument("", "object name is required")
	}

	query := `SELECT length(data), etag, headers, last_modified FROM objects WHERE bucket = ? AND key = ?`
	if withData {
		query = `SELECT length(data), etag, headers, last_modified, data FROM objects WHERE bucket = ? AND key = ?`
	}
	var (
		size        int64
		etag, hdrs  string
		modified    int64
		data        []byte
		destination = []any{&size, &etag, &hdrs, &modified}
	)
	if withData {
		destination = append(destination, &data)
	}
	err := c.db.QueryRowContext(ctx, query, c.bucket, key).Scan(destination...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, objerr.Provider("reading object", key, err)
	}

	var headers map[string]string
	if err := json.Unmarshal([]byte(hdrs), &headers); err != nil {
		return nil, nil, objerr.Provider("decoding headers", key, err)
	}
	return storedMetadata(headers, size, etag, time.Unix(modified, 0).UTC()), data, nil
}

func (c *SQLiteClient) Delete(ctx context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	if key == "" {
		return objerr.InvalidArgument("", "object name is required")
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, c.bucket, key); err != nil {
		return objerr.Provider("deleting object", key, err)
	}
	return nil
}

// Close closes the database. A failure is logged only.
func (c *SQLiteClient) Close() error {
	if !c.markClosed() {
		return nil
	}
	if err := c.db.Close(); err != nil {
		slog.Warn("closing sqlite database", "path", c.path, "error", err)
		return nil
	}
	slog.Info("SQLite client closed", "path", c.path)
	return nil
}

// Ensure SQLiteClient implements Client at compile time.
var _ Client = (*SQLiteClient)(nil)

func init() {
	Register("sqlite", func(ctx context.Context, cfg *config.StorageConfig) (Client, error) {
		c, err := NewSQLiteClient(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

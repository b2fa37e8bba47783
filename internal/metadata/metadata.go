// Package metadata holds the provider-neutral header model of a stored
// object and the utility that derives it from content before an upload.
package metadata

import (
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	objerr "github.com/bleepstore/objectstore/internal/errors"
)

// Standard header names.
const (
	CacheControl       = "Cache-Control"
	ContentDisposition = "Content-Disposition"
	ContentEncoding    = "Content-Encoding"
	ContentLength      = "Content-Length"
	ContentRange       = "Content-Range"
	ContentMD5         = "Content-MD5"
	ContentType        = "Content-Type"
	ContentLanguage    = "Content-Language"
	Date               = "Date"
	ETag               = "ETag"
	LastModified       = "Last-Modified"
	Server             = "Server"
	Connection         = "Connection"
	VersionID          = "Version-Id"
)

// UserMetadataPrefix marks keys holding user-defined metadata. Adapters map
// these to the native user metadata of their provider.
const UserMetadataPrefix = "X-Object-Meta-"

// Metadata is a mapping from header name to a raw value: an int64 length,
// a string, or a time.Time. Keys are stored as given; lookups through the
// typed accessors fall back to a case-insensitive match.
//
// An absent key means unknown. It is never the same as an empty string.
//
// Metadata is not safe for concurrent mutation.
type Metadata struct {
	values map[string]any
}

// New returns empty Metadata.
func New() *Metadata {
	return &Metadata{values: make(map[string]any)}
}

// FromMap returns Metadata holding a copy of raw, applying the rules of Set
// to every entry.
func FromMap(raw map[string]any) *Metadata {
	m := New()
	for k, v := range raw {
		m.Set(k, v)
	}
	return m
}

// Set stores value under key, replacing the previous value of any case
// variant of key. A nil value, or an empty Content-MD5, only removes the key.
// A negative Content-Length is stored as 0.
func (m *Metadata) Set(key string, value any) {
	m.Remove(key)
	if value == nil {
		return
	}
	switch {
	case strings.EqualFold(key, ContentMD5):
		if s, ok := value.(string); ok && s == "" {
			return
		}
	case strings.EqualFold(key, ContentLength):
		value = clampLength(value)
	}
	m.values[key] = value
}

// clampLength maps negative Content-Length values to 0.
func clampLength(v any) any {
	switch n := v.(type) {
	case int64:
		return max(n, 0)
	case int:
		return max(n, 0)
	case int32:
		return max(n, 0)
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil && parsed < 0 {
			return int64(0)
		}
	}
	return v
}

// Get returns the raw value stored under key.
func (m *Metadata) Get(key string) (any, bool) {
	if v, ok := m.values[key]; ok {
		return v, true
	}
	for k, v := range m.values {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Remove deletes key and any case variant of it.
func (m *Metadata) Remove(key string) {
	for k := range m.values {
		if strings.EqualFold(k, key) {
			delete(m.values, k)
		}
	}
}

// Raw returns a copy of every key/value pair. Mutating the result does not
// affect m.
func (m *Metadata) Raw() map[string]any {
	return maps.Clone(m.values)
}

// Strings returns every key with its value rendered as a header string.
// Times use the HTTP date format.
func (m *Metadata) Strings() map[string]string {
	out := make(map[string]string, len(m.values))
	for k := range m.values {
		out[k] = m.getString(k)
	}
	return out
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	return len(m.values)
}

// Clone returns an independent copy of m.
func (m *Metadata) Clone() *Metadata {
	return FromMap(m.values)
}

func (m *Metadata) getString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []string:
		if len(s) > 0 {
			return s[0]
		}
		return ""
	case time.Time:
		return s.UTC().Format(http.TimeFormat)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	}
	return ""
}

// setString stores value under key, or removes key when value is empty.
func (m *Metadata) setString(key, value string) {
	m.Remove(key)
	if value != "" {
		m.values[key] = value
	}
}

// ContentLength returns the Content-Length, or 0 when absent or unparseable.
func (m *Metadata) ContentLength() int64 {
	n, _ := m.contentLength()
	return n
}

// HasContentLength reports whether an explicit, parseable Content-Length is set.
func (m *Metadata) HasContentLength() bool {
	_, ok := m.contentLength()
	return ok
}

func (m *Metadata) contentLength() (int64, bool) {
	v, ok := m.Get(ContentLength)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// SetContentLength sets the Content-Length. Negative lengths are stored as 0.
func (m *Metadata) SetContentLength(n int64) {
	if n < 0 {
		n = 0
	}
	m.Remove(ContentLength)
	m.values[ContentLength] = n
}

// ContentType returns the Content-Type, or "" when unknown.
func (m *Metadata) ContentType() string { return m.getString(ContentType) }

// SetContentType sets the Content-Type; "" removes it.
func (m *Metadata) SetContentType(v string) { m.setString(ContentType, v) }

// ContentEncoding returns the Content-Encoding, or "" when unknown.
func (m *Metadata) ContentEncoding() string { return m.getString(ContentEncoding) }

// SetContentEncoding sets the Content-Encoding; "" removes it.
func (m *Metadata) SetContentEncoding(v string) { m.setString(ContentEncoding, v) }

// ContentLanguage returns the Content-Language, or "" when unknown.
func (m *Metadata) ContentLanguage() string { return m.getString(ContentLanguage) }

// SetContentLanguage sets the Content-Language; "" removes it.
func (m *Metadata) SetContentLanguage(v string) { m.setString(ContentLanguage, v) }

// ContentDisposition returns the Content-Disposition, or "" when unknown.
func (m *Metadata) ContentDisposition() string { return m.getString(ContentDisposition) }

// SetContentDisposition sets the Content-Disposition; "" removes it.
func (m *Metadata) SetContentDisposition(v string) { m.setString(ContentDisposition, v) }

// CacheControl returns the Cache-Control, or "" when unknown.
func (m *Metadata) CacheControl() string { return m.getString(CacheControl) }

// SetCacheControl sets the Cache-Control; "" removes it.
func (m *Metadata) SetCacheControl(v string) { m.setString(CacheControl, v) }

// ETag returns the ETag as stored, quotes included, or "" when unknown.
func (m *Metadata) ETag() string { return m.getString(ETag) }

// SetETag sets the ETag; "" removes it.
func (m *Metadata) SetETag(v string) { m.setString(ETag, v) }

// VersionID returns the provider version identifier, or "" when unknown.
func (m *Metadata) VersionID() string { return m.getString(VersionID) }

// SetVersionID sets the version identifier; "" removes it.
func (m *Metadata) SetVersionID(v string) { m.setString(VersionID, v) }

// ContentMD5 returns the base64 Content-MD5, or "" when unknown.
func (m *Metadata) ContentMD5() string { return m.getString(ContentMD5) }

// SetContentMD5 sets the base64 Content-MD5. An empty value removes the key
// rather than storing an empty digest.
func (m *Metadata) SetContentMD5(v string) { m.setString(ContentMD5, v) }

// LastModified returns the Last-Modified time, or the zero time when it is
// unknown or cannot be parsed.
func (m *Metadata) LastModified() time.Time {
	v, ok := m.Get(LastModified)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := http.ParseTime(t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// SetLastModified sets Last-Modified; the zero time removes it.
func (m *Metadata) SetLastModified(t time.Time) {
	m.Remove(LastModified)
	if !t.IsZero() {
		m.values[LastModified] = t
	}
}

// Range is the byte range of a partial response.
type Range struct {
	Start int64
	End   int64
}

// ContentRange parses the Content-Range header, of the form
// "<unit> <start>-<end>/<total>". It returns nil when the header is absent
// and a *errors.ParseError when it is malformed.
func (m *Metadata) ContentRange() (*Range, error) {
	if _, ok := m.Get(ContentRange); !ok {
		return nil, nil
	}
	start, end, _, err := parseContentRange(m.getString(ContentRange))
	if err != nil {
		return nil, err
	}
	return &Range{Start: start, End: end}, nil
}

// InstanceLength returns the total length of the object: the part after the
// last "/" of Content-Range when present, otherwise the Content-Length.
func (m *Metadata) InstanceLength() (int64, error) {
	if _, ok := m.Get(ContentRange); !ok {
		return m.ContentLength(), nil
	}
	v := m.getString(ContentRange)
	idx := strings.LastIndexByte(v, '/')
	if idx < 0 {
		return 0, &objerr.ParseError{Header: ContentRange, Value: v}
	}
	total, err := strconv.ParseInt(strings.TrimSpace(v[idx+1:]), 10, 64)
	if err != nil {
		return 0, &objerr.ParseError{Header: ContentRange, Value: v, Err: err}
	}
	return total, nil
}

func parseContentRange(v string) (start, end, total int64, err error) {
	if !strings.Contains(v, "/") {
		return 0, 0, 0, &objerr.ParseError{Header: ContentRange, Value: v}
	}
	tokens := strings.FieldsFunc(v, func(r rune) bool {
		return r == ' ' || r == '-' || r == '/'
	})
	if len(tokens) != 4 {
		return 0, 0, 0, &objerr.ParseError{Header: ContentRange, Value: v}
	}
	nums := make([]int64, 3)
	for i, tok := range tokens[1:] {
		n, perr := strconv.ParseInt(tok, 10, 64)
		if perr != nil {
			return 0, 0, 0, &objerr.ParseError{Header: ContentRange, Value: v, Err: perr}
		}
		nums[i] = n
	}
	if nums[0] > nums[1] {
		return 0, 0, 0, &objerr.ParseError{Header: ContentRange, Value: v}
	}
	return nums[0], nums[1], nums[2], nil
}

// SetContentRange sets Content-Range to "bytes <start>-<end>/<total>".
func (m *Metadata) SetContentRange(start, end, total int64) {
	m.Remove(ContentRange)
	m.values[ContentRange] = "bytes " + strconv.FormatInt(start, 10) + "-" +
		strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(total, 10)
}

// UserMetadata returns the user-defined metadata with the prefix stripped
// and names lowercased.
func (m *Metadata) UserMetadata() map[string]string {
	out := make(map[string]string)
	for k := range m.values {
		if len(k) > len(UserMetadataPrefix) && strings.EqualFold(k[:len(UserMetadataPrefix)], UserMetadataPrefix) {
			out[strings.ToLower(k[len(UserMetadataPrefix):])] = m.getString(k)
		}
	}
	return out
}

// SetUserMetadata sets one user-defined metadata entry; "" removes it.
func (m *Metadata) SetUserMetadata(name, value string) {
	m.setString(UserMetadataPrefix+strings.ToLower(name), value)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	objerr "github.com/bleepstore/objectstore/internal/errors"
	"github.com/bleepstore/objectstore/internal/metadata"
	"github.com/bleepstore/objectstore/internal/storage"
)

// userMetaHeaderPrefix is the canonical MIME form of metadata.UserMetadataPrefix.
var userMetaHeaderPrefix = textproto.CanonicalMIMEHeaderKey(metadata.UserMetadataPrefix)

// forwardedHeaders are copied between HTTP requests/responses and Metadata.
var forwardedHeaders = []string{
	metadata.ContentType,
	metadata.ContentEncoding,
	metadata.ContentDisposition,
	metadata.ContentLanguage,
	metadata.CacheControl,
}

func (s *Server) listObjects(ctx context.Context, input *struct{}) (*ListOutput, error) {
	objs, err := s.client.List(ctx)
	if err != nil {
		return nil, humaError(err)
	}
	out := &ListOutput{}
	out.Body.Bucket = s.client.BucketName()
	out.Body.Objects = make([]ObjectSummary, 0, len(objs))
	for _, o := range objs {
		sum := ObjectSummary{
			Key:  o.Name,
			URI:  o.URI,
			Size: o.Metadata.ContentLength(),
			ETag: o.ETag(),
		}
		if lm := o.Metadata.LastModified(); !lm.IsZero() {
			sum.LastModified = &lm
		}
		out.Body.Objects = append(out.Body.Objects, sum)
	}
	return out, nil
}

func (s *Server) objectMetadata(ctx context.Context, input *MetadataInput) (*MetadataOutput, error) {
	key, err := url.PathUnescape(input.Key)
	if err != nil {
		return nil, huma.Error400BadRequest("malformed object key", err)
	}
	obj, err := s.client.GetWithoutBody(ctx, key)
	if err != nil {
		return nil, humaError(err)
	}
	if obj == nil {
		return nil, huma.Error404NotFound("object " + key + " does not exist")
	}
	out := &MetadataOutput{}
	out.Body.Key = obj.Name
	out.Body.URI = obj.URI
	out.Body.Headers = obj.Metadata.Strings()
	return out, nil
}

// objectKey extracts the object key from the /objects/* wildcard. Chi
// matches against the escaped path when the request carries one.
func objectKey(r *http.Request) (string, error) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return key, nil
	}
	key, err := url.PathUnescape(key)
	if err != nil {
		return "", objerr.InvalidArgument("", "malformed object key: %v", err)
	}
	return key, nil
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	key, err := objectKey(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var obj *storage.StorageObject
	if verify, _ := strconv.ParseBool(r.URL.Query().Get("verify")); verify {
		obj, err = s.client.GetVerified(r.Context(), key)
	} else {
		obj, err = s.client.Get(r.Context(), key)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if obj == nil {
		writeError(w, objerr.ErrNotFound.WithKey(key))
		return
	}
	defer obj.Close()

	writeObjectHeaders(w.Header(), obj.Metadata)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Payload); err != nil {
		slog.Warn("streaming object", "key", key, "error", err)
	}
}

func (s *Server) headObject(w http.ResponseWriter, r *http.Request) {
	key, err := objectKey(r)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	md, err := s.client.GetMetadata(r.Context(), key)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	if md == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeObjectHeaders(w.Header(), md)
	w.WriteHeader(http.StatusOK)
}

// putBody is the JSON response of a successful upload.
type putBody struct {
	Key  string `json:"key"`
	ETag string `json:"etag"`
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request) {
	key, err := objectKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if key == "" {
		writeError(w, objerr.InvalidArgument("", "object name is required"))
		return
	}

	body := io.Reader(r.Body)
	if limit := s.cfg.Server.MaxObjectSize; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	data, md, err := metadata.FromReader(key, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "object exceeds the maximum size of "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		writeError(w, objerr.InvalidArgument(key, "reading request body: %v", err))
		return
	}
	readRequestHeaders(r.Header, md)

	obj, err := storage.NewStorageObject(key, "", md, storage.BytesPayload(data))
	if err != nil {
		writeError(w, err)
		return
	}
	etag, err := s.client.PutObject(r.Context(), obj)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(etag))
	writeJSON(w, http.StatusOK, putBody{Key: key, ETag: etag})
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	key, err := objectKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.client.Delete(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readRequestHeaders copies the forwarded headers, a declared Content-MD5
// and X-Object-Meta-* user metadata of an upload request into md.
func readRequestHeaders(h http.Header, md *metadata.Metadata) {
	for _, name := range forwardedHeaders {
		if v := h.Get(name); v != "" {
			md.Set(name, v)
		}
	}
	if v := h.Get(metadata.ContentMD5); v != "" {
		md.SetContentMD5(v)
	}
	for name, values := range h {
		if user, ok := strings.CutPrefix(name, userMetaHeaderPrefix); ok && user != "" && len(values) > 0 {
			md.SetUserMetadata(user, values[0])
		}
	}
}

// writeObjectHeaders renders md as response headers.
func writeObjectHeaders(h http.Header, md *metadata.Metadata) {
	for _, name := range forwardedHeaders {
		if v, ok := md.Get(name); ok {
			if s, ok := v.(string); ok && s != "" {
				h.Set(name, s)
			}
		}
	}
	if md.HasContentLength() {
		h.Set(metadata.ContentLength, strconv.FormatInt(md.ContentLength(), 10))
	}
	if etag := md.ETag(); etag != "" {
		h.Set(metadata.ETag, strconv.Quote(etag))
	}
	if v := md.ContentMD5(); v != "" {
		h.Set(metadata.ContentMD5, v)
	}
	if lm := md.LastModified(); !lm.IsZero() {
		h.Set(metadata.LastModified, lm.UTC().Format(http.TimeFormat))
	}
	if v := md.VersionID(); v != "" {
		h.Set("X-Object-Version-Id", v)
	}
	for name, value := range md.UserMetadata() {
		h.Set(metadata.UserMetadataPrefix+name, value)
	}
}

// statusFor maps an error kind to an HTTP status. An expired or canceled
// request context wins over the kind the adapter wrapped it in.
func statusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch objerr.Code(err) {
	case objerr.ErrInvalidArgument.Code:
		return http.StatusBadRequest
	case objerr.ErrNotFound.Code:
		return http.StatusNotFound
	case objerr.ErrContentValidation.Code, objerr.ErrProviderFault.Code:
		return http.StatusBadGateway
	case objerr.ErrClosed.Code:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// humaError converts err for a Huma handler.
func humaError(err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("storage operation failed", "error", err)
	}
	return huma.NewError(status, err.Error())
}

// writeError writes err as a JSON problem body with the mapped status.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("storage operation failed", "error", err)
	}
	writeJSONError(w, status, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, &huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

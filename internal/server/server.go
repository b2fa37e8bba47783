// Package server implements the objectstore HTTP gateway: a thin HTTP
// surface over one configured storage client.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/objectstore/internal/config"
	"github.com/bleepstore/objectstore/internal/storage"
)

// Server is the objectstore HTTP gateway. JSON routes are documented via
// Huma; object bytes are served by raw chi handlers.
type Server struct {
	cfg        *config.Config
	client     storage.Client
	router     chi.Router
	api        huma.API
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status   string `json:"status" example:"ok" doc:"Health status"`
	Provider string `json:"provider" example:"Amazon S3" doc:"Storage provider display name"`
	Bucket   string `json:"bucket" example:"media" doc:"Bucket or container in use"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ObjectSummary describes one object of a listing.
type ObjectSummary struct {
	Key          string     `json:"key" doc:"Object key"`
	URI          string     `json:"uri,omitempty" doc:"Location at the provider"`
	Size         int64      `json:"size" doc:"Content length in bytes"`
	ETag         string     `json:"etag,omitempty" doc:"Entity tag, unquoted"`
	LastModified *time.Time `json:"last_modified,omitempty" doc:"Last modification time"`
}

// ListOutput is the Huma output struct for the object listing.
type ListOutput struct {
	Body struct {
		Bucket  string          `json:"bucket"`
		Objects []ObjectSummary `json:"objects"`
	}
}

// MetadataInput addresses one object. Keys containing "/" must be sent
// percent-encoded.
type MetadataInput struct {
	Key string `path:"key" doc:"Object key"`
}

// MetadataOutput is the raw metadata view of one object.
type MetadataOutput struct {
	Body struct {
		Key     string            `json:"key"`
		URI     string            `json:"uri,omitempty"`
		Headers map[string]string `json:"headers"`
	}
}

// New creates a Server serving client and wires its routes.
func New(cfg *config.Config, client storage.Client) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("objectstore gateway", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		client: client,
		router: router,
		api:    api,
	}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware (when enabled) -> requestLogger -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = requestLogger(handler)
	if s.cfg.Metrics.Enabled {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. Chi matches the
// Huma routes before the /objects/* catch-alls.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the gateway and the provider it serves.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{
			Status:   "ok",
			Provider: s.client.Name(),
			Bucket:   s.client.BucketName(),
		}}, nil
	})

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        "/objects",
		Summary:     "List objects",
		Description: "Lists every object in the bucket with its size, ETag and last-modified time.",
		Tags:        []string{"Objects"},
	}, s.listObjects)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-object-metadata",
		Method:      http.MethodGet,
		Path:        "/objects/{key}/metadata",
		Summary:     "Get object metadata",
		Description: "Returns the raw metadata view of one object.",
		Tags:        []string{"Objects"},
	}, s.objectMetadata)

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Get("/objects/*", s.getObject)
	s.router.Head("/objects/*", s.headObject)
	s.router.Put("/objects/*", s.putObject)
	s.router.Delete("/objects/*", s.deleteObject)
}

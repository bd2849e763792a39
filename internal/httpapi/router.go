// Package httpapi is the HTTP front end: uploads, status polling, listing,
// downloads and deletion.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func logger() *slog.Logger { return slog.Default() }

// NewRouter wires every route onto a chi router.
func NewRouter(api *API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, requestLogger)

	r.Get("/", api.Root)
	r.Get("/health", api.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", api.Upload)
		r.Get("/status/{id}", api.Status)
		r.Get("/jobs", api.ListJobs)
		r.Get("/download/{id}/*", api.Download)
		r.Delete("/job/{id}", api.DeleteJob)
	})

	if api.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", api.Metrics)
	}
	if api.Layout != nil {
		r.Handle("/outputs/*", http.StripPrefix("/outputs/", noListing(http.FileServer(http.Dir(api.Layout.OutputDir)))))
	}
	return r
}

// requestLogger logs one line per request with slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

// noListing hides directory indexes from the static file server.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Path; p == "" || p[len(p)-1] == '/' {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

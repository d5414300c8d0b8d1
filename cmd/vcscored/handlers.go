package main

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/vcscore/vcscore/internal/config"
	"github.com/vcscore/vcscore/internal/syncproto"
	"github.com/vcscore/vcscore/internal/transport"
	"github.com/vcscore/vcscore/pkg/metrics"
)

// newRouter wires the sync endpoint, health check, and metrics exposition
// behind structured-logging and panic-recovery middleware, following the
// teacher's RequestLogger/JSONHeaders pattern from cmd/xchainserver/server.
func newRouter(log *logrus.Logger, mcol *metrics.Collectors, srv *syncproto.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(log))
	r.Use(recoverer(log))

	r.Post("/xfer", xferHandler(log, mcol, srv))
	r.Get("/healthz", healthzHandler)
	r.Get("/metrics", mcol.Handler().ServeHTTP)

	return r
}

// xferHandler implements spec §5's "one HTTP POST, one framed reply" sync
// endpoint: decode the request body, hand it to the protocol engine, frame
// and write the reply in the same content type the request arrived as.
func xferHandler(log *logrus.Logger, mcol *metrics.Collectors, srv *syncproto.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := transport.ReadRequestBody(r)
		if err != nil {
			log.WithError(err).Warn("vcscored: malformed sync request")
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		mcol.BytesReceived.Add(float64(len(body)))

		reply, err := srv.Handle(body)
		if err != nil {
			log.WithError(err).Error("vcscored: sync request handling failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		mcol.BytesSent.Add(float64(len(reply)))

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = transport.ContentTypeCompressed
		}
		if err := transport.WriteResponse(w, contentType, reply); err != nil {
			log.WithError(err).Warn("vcscored: writing sync reply")
		}
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestLogger logs each request's method, path, status, and latency via
// structured logging, mirroring the teacher's RequestLogger middleware.
func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.status,
				"duration": time.Since(start).String(),
			}).Debug("vcscored: request")
		})
	}
}

// recoverer converts a panic in a handler into a 500 response instead of
// tearing down the process, matching the teacher's pattern of never letting
// one request's bug take the whole server down.
func recoverer(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panic", rec).Error("vcscored: recovered from panic")
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// sha1OfPath derives a stable, content-addressed-looking server code from
// the repository path, standing in for a persisted random server code
// (spec §6's "serverCode is generated once and stored with the
// repository"; vcscored has no such table yet, see DESIGN.md).
func sha1OfPath(path string) string {
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// staticConfigProvider answers reqconfig requests from the loaded Config,
// covering the schema-version negotiation spec §6 describes.
type staticConfigProvider struct {
	cfg *config.Config
}

func newStaticConfigProvider(cfg *config.Config) *staticConfigProvider {
	return &staticConfigProvider{cfg: cfg}
}

func (p *staticConfigProvider) Config(name string) ([]byte, bool) {
	switch name {
	case "project-name":
		return []byte(p.cfg.Project.Name), p.cfg.Project.Name != ""
	case "project-code":
		return []byte(p.cfg.Project.Code), p.cfg.Project.Code != ""
	case "content-schema":
		return []byte(p.cfg.Schema.Content), true
	case "aux-schema":
		return []byte(p.cfg.Schema.Aux), true
	default:
		return nil, false
	}
}

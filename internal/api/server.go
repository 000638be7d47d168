// Package api is the JSON HTTP surface of the console.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fabian4/haproxy-console/internal/metrics"
	"github.com/fabian4/haproxy-console/internal/model"
	"github.com/fabian4/haproxy-console/internal/mutator"
	"github.com/fabian4/haproxy-console/internal/ratelimit"
	"github.com/fabian4/haproxy-console/internal/service"
	"github.com/fabian4/haproxy-console/internal/store"
	"github.com/fabian4/haproxy-console/internal/topology"
)

const maxBodyBytes = 1 << 20

// Controller starts, stops and inspects the proxy service.
type Controller interface {
	Status(ctx context.Context) model.ServiceStatus
	Do(ctx context.Context, action string) (string, error)
}

// Server holds the collaborators behind the API routes.
type Server struct {
	Topology   *topology.Builder
	Controller Controller
	Store      store.Blob
	ConfDir    string
	MainConfig string
	Frontend   *mutator.Mutator
	Wizard     *service.Wizard
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// Handler builds the router. /metrics is served only when Metrics is set.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	r := mux.NewRouter()
	r.Use(s.observe, s.limitMutations)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/topology", s.topology).Methods(http.MethodGet)
	api.HandleFunc("/route", s.route).Methods(http.MethodGet)
	api.HandleFunc("/haproxy_status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/haproxy_action", s.action).Methods(http.MethodPost)

	api.HandleFunc("/config_d", s.listFragments).Methods(http.MethodGet)
	api.HandleFunc("/config_d", s.createFragment).Methods(http.MethodPost)
	api.HandleFunc("/config_d/wizard", s.wizard).Methods(http.MethodPost)
	api.HandleFunc("/config_d/content/{filename}", s.fragmentContent).Methods(http.MethodGet)
	api.HandleFunc("/config_d/{filename}", s.updateFragment).Methods(http.MethodPut)
	api.HandleFunc("/config_d/{filename}", s.deleteFragment).Methods(http.MethodDelete)

	api.HandleFunc("/haproxy_cfg", s.mainConfig).Methods(http.MethodGet)
	api.HandleFunc("/haproxy_cfg", s.updateMainConfig).Methods(http.MethodPut)

	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.NotFoundHandler = s.observe(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, reply{Message: "Not found."})
	}))
	return r
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// observe tags the request with an ID, then writes the access log and the
// request metrics once the handler returns.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		lw := &loggingResponseWriter{ResponseWriter: w}
		defer func() {
			status := lw.statusCode
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)
			route := routeName(r)

			s.Logger.Info("access",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int64("duration_ms", duration.Milliseconds()),
				zap.String("remote_ip", ratelimit.ClientIP(r)),
				zap.String("user_agent", r.UserAgent()),
				zap.Int64("bytes_written", lw.bytes))

			if s.Metrics != nil {
				s.Metrics.IncRequest(route, r.Method, strconv.Itoa(status))
				s.Metrics.ObserveLatency(route, duration)
			}
		}()
		next.ServeHTTP(lw, r)
	})
}

// limitMutations applies the per-client limiter to everything but reads.
func (s *Server) limitMutations(next http.Handler) http.Handler {
	if !s.Limiter.Enabled() {
		return next
	}
	limited := s.Limiter.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

// routeName is the matched path template, so metrics stay low-cardinality.
func routeName(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

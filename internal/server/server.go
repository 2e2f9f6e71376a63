// Package server implements the live HTTP query endpoint: devices describe
// the image they run as query parameters and receive the serialized update
// path, or an empty object when they have nowhere to go.
package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/image"
	"github.com/atomupd/atomupd/internal/pool"
	"github.com/atomupd/atomupd/internal/update"
)

// Server answers device update queries from the currently published pool
// snapshot.
type Server struct {
	handle    *pool.Handle
	estimator pool.Estimator
	logger    *zap.Logger

	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	poolImages    prometheus.Gauge
	poolSwaps     prometheus.Counter
}

// New creates a Server around a pool handle. The estimator may be nil to
// disable download-size annotation.
func New(handle *pool.Handle, estimator pool.Estimator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		handle:    handle,
		estimator: estimator,
		logger:    logger,
		registry:  registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atomupd_requests_total",
			Help: "Update queries served, by outcome.",
		}, []string{"outcome"}),
		poolImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atomupd_pool_images",
			Help: "Images in the currently published pool.",
		}),
		poolSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomupd_pool_swaps_total",
			Help: "Pool snapshots published since startup.",
		}),
	}
	registry.MustRegister(s.requestsTotal, s.poolImages, s.poolSwaps)
	s.poolImages.Set(float64(handle.Current().Len()))

	return s
}

// SwapPool publishes a freshly built pool snapshot to in-flight and future
// queries.
func (s *Server) SwapPool(p *pool.Pool) {
	s.handle.Swap(p)
	s.poolImages.Set(float64(p.Len()))
	s.poolSwaps.Inc()
}

// Handler returns the HTTP routing for the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleQuery)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_, _ = fmt.Fprint(w, "OK")
}

// handleQuery resolves one device query. The device sends its manifest
// fields as query parameters, plus an optional requested_branch that
// defaults to the branch the image was built from, and an optional
// estimate_size switch (on by default when an estimator is configured).
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	// Request IDs are UUIDv7 so log lines sort by arrival time.
	logger := s.logger.With(zap.String("request_id", uuid.Must(uuid.NewV7()).String()))

	query := r.URL.Query()
	img, err := image.FromQuery(query)
	if err != nil {
		logger.Info("rejecting malformed query",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		s.requestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestedBranch := query.Get("requested_branch")
	if requestedBranch == "" {
		requestedBranch = img.Branch
	}

	estimator := s.estimator
	if query.Get("estimate_size") == "0" || query.Get("estimate_size") == "false" {
		estimator = nil
	}

	// One snapshot for the whole query; a concurrent pool swap must not be
	// observed halfway through.
	snapshot := s.handle.Current()

	logger.Debug("resolving query",
		zap.Stringer("image", img),
		zap.String("requested_branch", requestedBranch))

	path, err := snapshot.GetUpdates(r.Context(), img, snapshot.InstalledIndex(img),
		requestedBranch, update.TypeStandard, estimator)
	if err != nil {
		// Strict-mode failures belong to the generator; a live query never
		// sees them. Anything else here is a programming error.
		logger.Error("query failed", zap.Error(err))
		s.requestsTotal.WithLabelValues("error").Inc()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var reply *update.Update
	if path != nil {
		reply = &update.Update{Minor: path}
		s.requestsTotal.WithLabelValues("update").Inc()
	} else {
		s.requestsTotal.WithLabelValues("no_update").Inc()
	}

	body, err := reply.MarshalIndent()
	if err != nil {
		logger.Error("serializing reply", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

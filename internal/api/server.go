package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/query"
	"EchoTrace/internal/sink"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service reported for the agent.
const ServiceName = "echotrace.v1.Agent"

// Provider exposes the live state of a running agent.
type Provider interface {
	Healthy() bool
	Stats() interface{}
	Measurements() []string
	Latency(measurement string) []sink.GroupStats
}

// ---- Grafana-specific structs ----
type QueryRequest struct {
	Targets []struct {
		Target string `json:"target"`
	} `json:"targets"`
	Range struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	} `json:"range"`
	IntervalMs int64 `json:"intervalMs"`
}

type TimeSeriesResponse struct {
	Target     string      `json:"target"`
	Datapoints [][]float64 `json:"datapoints"` // [ [value, timestamp_ms], ... ]
}

// Server serves the agent's HTTP API and the gRPC health service.
type Server struct {
	cfg      config.APIConfig
	provider Provider
	querier  query.Querier

	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server
}

// NewServer creates the API server. querier may be nil when no ClickHouse
// sink is configured; history endpoints then answer 503.
func NewServer(cfg config.APIConfig, provider Provider, querier query.Querier) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		querier:  querier,
		health:   health.NewServer(),
	}
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(true)
	s.httpServer = &http.Server{Addr: cfg.HTTPListenAddr, Handler: s.Handler()}
	return s
}

// SetServing flips the gRPC health status of the agent.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/api/v1/latency", s.latencyHandler).Methods("GET")
	r.HandleFunc("/api/v1/history/summary", s.summaryHandler).Methods("GET")

	// Grafana simple JSON datasource.
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	r.HandleFunc("/search", s.searchHandler).Methods("POST")
	r.HandleFunc("/query", s.queryHandler).Methods("POST")
	return r
}

// Start listens on the configured addresses. Empty addresses are skipped.
func (s *Server) Start() error {
	if s.cfg.GRPCListenAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCListenAddr, err)
		}
		go func() {
			log.Printf("gRPC health server starting on %s", s.cfg.GRPCListenAddr)
			if err := s.grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}
	if s.cfg.HTTPListenAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPListenAddr, err)
		}
		go func() {
			log.Printf("HTTP API server starting on %s", s.cfg.HTTPListenAddr)
			if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}
	return nil
}

// Stop shuts both servers down.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: failed to encode response: %v", err)
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.provider.Healthy() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Stats())
}

func (s *Server) latencyHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("measurement")
	if name != "" {
		writeJSON(w, http.StatusOK, nonNil(s.provider.Latency(name)))
		return
	}
	var all []sink.GroupStats
	for _, m := range s.provider.Measurements() {
		all = append(all, s.provider.Latency(m)...)
	}
	writeJSON(w, http.StatusOK, nonNil(all))
}

func nonNil(g []sink.GroupStats) []sink.GroupStats {
	if g == nil {
		return []sink.GroupStats{}
	}
	return g
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		http.Error(w, "no clickhouse sink configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid from: %v", err), http.StatusBadRequest)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid to: %v", err), http.StatusBadRequest)
		return
	}
	req := query.LatencyRequest{
		Measurement: q.Get("measurement"),
		Group:       q.Get("group"),
		Observer:    q.Get("observer"),
		Start:       from,
		End:         to,
	}
	summaries, err := s.querier.Summarize(r.Context(), req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query latency: %v", err), http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []query.GroupSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	names := s.provider.Measurements()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// splitTarget accepts "measurement" or "measurement/group".
func splitTarget(target string) (measurement, group string) {
	measurement, group, _ = strings.Cut(target, "/")
	return measurement, group
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	endTime := req.Range.To
	if endTime.IsZero() {
		endTime = time.Now()
	}
	step := time.Duration(req.IntervalMs) * time.Millisecond
	if step < time.Second {
		step = time.Minute
	}

	response := []TimeSeriesResponse{}
	for _, target := range req.Targets {
		measurement, group := splitTarget(target.Target)
		ts := TimeSeriesResponse{Target: target.Target, Datapoints: [][]float64{}}

		if s.querier != nil {
			points, err := s.querier.Series(r.Context(), query.LatencyRequest{
				Measurement: measurement,
				Group:       group,
				Start:       req.Range.From,
				End:         endTime,
			}, step)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for _, p := range points {
				ts.Datapoints = append(ts.Datapoints, []float64{p.Avg, float64(p.Time.UnixMilli())})
			}
		} else {
			// Without history, report the live mean as a single point.
			var sum float64
			var n uint64
			for _, g := range s.provider.Latency(measurement) {
				if group != "" && g.Group != group {
					continue
				}
				sum += g.Mean * float64(g.Count)
				n += g.Count
			}
			if n > 0 {
				ts.Datapoints = append(ts.Datapoints, []float64{sum / float64(n), float64(endTime.UnixMilli())})
			}
		}
		response = append(response, ts)
	}
	writeJSON(w, http.StatusOK, response)
}

package monitor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/pkg/types"
)

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/protobuf"
)

// Server serves the monitor endpoints.
type Server struct {
	cfg     Config
	monitor *Monitor
	metrics *metrics.Metrics
	router  *chi.Mux
}

// NewServer returns a configured monitor server. m may be nil, in which
// case /metrics is not mounted.
func NewServer(cfg Config, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		monitor: NewMonitor(cfg, m),
		metrics: m,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/status/stream", s.handleStatusStream)
	r.Get("/api/channels/{channel}/preview.jpg", s.handlePreview)
	r.Get("/api/channels/{channel}/preview.mjpeg", s.handlePreviewStream)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
}

// Monitor returns the underlying status reader.
func (s *Server) Monitor() *Monitor { return s.monitor }

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

// Close detaches from the producer.
func (s *Server) Close() error { return s.monitor.Close() }

// ListenAndServe serves on cfg.Addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Monitor listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.monitor.Health(r.Context())
	status := http.StatusOK
	if h.State != types.HealthOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONWithStatus(w, HealthResponse{
		Status:         h.State.String(),
		Detail:         h.String(),
		HeartbeatAgeMs: float64(h.HeartbeatAge.Microseconds()) / 1000,
		OwnerPID:       h.OwnerPID,
	}, status)
}

// wantsProtobuf reports whether the client asked for protobuf over JSON.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, contentTypeProtobuf) ||
		strings.Contains(accept, "application/x-protobuf")
}

// statusStruct converts a status payload into a protobuf Struct with the
// same field names as the JSON form.
func statusStruct(st Status) (*structpb.Struct, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func encodeStatus(st Status, useProtobuf bool) ([]byte, error) {
	if !useProtobuf {
		return json.Marshal(st)
	}
	pb, err := statusStruct(st)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(pb)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.monitor.Snapshot(r.Context())
	if !wantsProtobuf(r) {
		writeJSON(w, st)
		return
	}
	data, err := encodeStatus(st, true)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	_, _ = w.Write(data)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := wantsProtobuf(r)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", contentTypeProtobuf)
	} else {
		w.Header().Set("X-Content-Format", contentTypeJSON)
	}

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		data, err := encodeStatus(s.monitor.Snapshot(r.Context()), useProtobuf)
		if err != nil {
			log.Error("Status encoding failed: %v", err)
			return
		}
		if useProtobuf {
			data = []byte(base64.StdEncoding.EncodeToString(data))
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			log.Debug("SSE client disconnected: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func channelParam(r *http.Request) (int, error) {
	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil || ch < 0 {
		return 0, fmt.Errorf("invalid channel %q", chi.URLParam(r, "channel"))
	}
	return ch, nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	data, live, err := s.monitor.PreviewJPEG(r.Context(), ch)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, shm.ErrBadChannel) {
			status = http.StatusNotFound
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Preview-Live", strconv.FormatBool(live))
	_, _ = w.Write(data)
}

func (s *Server) handlePreviewStream(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	streamMJPEG(w, r, s.cfg.StatusInterval, func() ([]byte, error) {
		data, _, err := s.monitor.PreviewJPEG(r.Context(), ch)
		return data, err
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

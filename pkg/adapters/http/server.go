package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Info is returned by GET /info.
type Info struct {
	App      string `json:"app"`
	Version  string `json:"version"`
	Graph    string `json:"graph"`
	Instance string `json:"instance"`
}

// Server serves graph introspection and control.
type Server struct {
	ctrl     ports.Controller
	info     Info
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer exposes metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithInfo sets the payload of GET /info.
func WithInfo(info Info) Option {
	return func(s *Server) {
		s.info = info
	}
}

// NewHandler creates the HTTP handler for ctrl.
func NewHandler(ctrl ports.Controller, opts ...Option) http.Handler {
	s := &Server{
		ctrl:   ctrl,
		info:   Info{App: "patchbay"},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/graph", s.GetGraph)
	r.Get("/nodes", s.GetNodes)
	r.Get("/nodes/{id}", s.GetNode)
	r.Put("/nodes/{id}/active", s.PutActive)
	r.Put("/nodes/{id}/quantum", s.PutQuantum)
	r.Get("/links", s.GetLinks)
	r.Get("/links/{id}", s.GetLink)
	r.Post("/links", s.PostLink)
	r.Delete("/links/{id}", s.DeleteLink)
	r.Get("/events", s.SubscribeEvents)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusOf maps graph errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNodeNotFound), errors.Is(err, domain.ErrLinkNotFound),
		errors.Is(err, domain.ErrPortNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLinkExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidDirection), errors.Is(err, domain.EINVAL):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
	} else {
		s.logger.Debug(op+" rejected", "error", err, "status", code)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func idParam(r *http.Request) (uint32, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", raw, domain.EINVAL)
	}
	return uint32(id), nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, domain.EINVAL)
	}
	return nil
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	info := s.info
	info.Version = strings.TrimSpace(info.Version)
	s.writeJSON(w, http.StatusOK, info)
}

// GetGraph handles GET /graph.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "snapshot", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// GetNodes handles GET /nodes.
func (s *Server) GetNodes(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "snapshot", err)
		return
	}
	nodes := snap.Nodes
	if nodes == nil {
		nodes = []domain.NodeSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

// GetNode handles GET /nodes/{id}.
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.fail(w, "get node", err)
		return
	}
	snap, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "snapshot", err)
		return
	}
	node, ok := snap.Node(id)
	if !ok {
		s.fail(w, "get node", fmt.Errorf("node %d: %w", id, domain.ErrNodeNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

// GetLinks handles GET /links.
func (s *Server) GetLinks(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "snapshot", err)
		return
	}
	links := snap.Links
	if links == nil {
		links = []domain.LinkSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, links)
}

// GetLink handles GET /links/{id}.
func (s *Server) GetLink(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.fail(w, "get link", err)
		return
	}
	snap, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "snapshot", err)
		return
	}
	link, ok := snap.Link(id)
	if !ok {
		s.fail(w, "get link", fmt.Errorf("link %d: %w", id, domain.ErrLinkNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, link)
}

// PostLink handles POST /links.
func (s *Server) PostLink(w http.ResponseWriter, r *http.Request) {
	var req domain.LinkRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, "connect", err)
		return
	}
	link, err := s.ctrl.Connect(r.Context(), req)
	if err != nil {
		s.fail(w, "connect", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, link)
}

// DeleteLink handles DELETE /links/{id}.
func (s *Server) DeleteLink(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err == nil {
		err = s.ctrl.Disconnect(r.Context(), id)
	}
	if err != nil {
		s.fail(w, "disconnect", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutActive handles PUT /nodes/{id}/active.
func (s *Server) PutActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	id, err := idParam(r)
	if err == nil {
		err = decode(r, &body)
	}
	if err == nil {
		err = s.ctrl.SetActive(r.Context(), id, body.Active)
	}
	if err != nil {
		s.fail(w, "set active", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutQuantum handles PUT /nodes/{id}/quantum.
func (s *Server) PutQuantum(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Quantum    uint32 `json:"quantum"`
		MaxQuantum uint32 `json:"max_quantum"`
	}
	id, err := idParam(r)
	if err == nil {
		err = decode(r, &body)
	}
	if err == nil {
		err = s.ctrl.SetQuantum(r.Context(), id, body.Quantum, body.MaxQuantum)
	}
	if err != nil {
		s.fail(w, "set quantum", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubscribeEvents handles GET /events (SSE). The optional "types" query
// parameter keeps only the listed event types.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var keep map[domain.EventType]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		keep = make(map[domain.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			keep[domain.EventType(strings.TrimSpace(t))] = true
		}
	}

	events, err := s.ctrl.Watch(r.Context())
	if err != nil {
		s.fail(w, "watch", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if keep != nil && !keep[ev.Type] {
				continue
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				s.logger.Warn("SSE: event encode failed", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

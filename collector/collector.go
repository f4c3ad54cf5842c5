// Package collector implements an in-memory OpenPanel collector twin.
//
// It accepts POST /track the way the hosted collector does, decodes the
// envelope strictly and keeps every accepted event for inspection. Tests and
// local development point the client's APIURL at it.
package collector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/st-keller/openpanel-client/payload"
)

const maxBody = 1 << 20

// Event is an accepted envelope.
type Event struct {
	ID         string            `json:"id"`
	ReceivedAt time.Time         `json:"received_at"`
	Type       payload.Type      `json:"type"`
	Payload    payload.Payload   `json:"payload"`
	Headers    map[string]string `json:"headers"`
}

// recordedHeaders are copied onto each Event.
var recordedHeaders = []string{
	"Content-Type",
	"openpanel-client-id",
	"openpanel-client-secret",
	"openpanel-sdk-name",
	"openpanel-sdk-version",
	"User-Agent",
}

// Collector is the twin state.
type Collector struct {
	mu       sync.Mutex
	events   []Event
	faults   []int
	requests int

	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// New creates an empty collector.
func New(opts ...Option) *Collector {
	c := &Collector{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Routes mounts the ingest and admin routes.
func (c *Collector) Routes(r chi.Router) {
	r.Post("/track", c.Track)

	r.Get("/admin/events", c.AdminListEvents)
	r.Post("/admin/reset", c.AdminReset)
	r.Post("/admin/fault", c.AdminFault)
}

// Handler returns a router serving Routes.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	c.Routes(r)
	return r
}

// Track handles POST /track.
func (c *Collector) Track(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.requests++
	var fault int
	if len(c.faults) > 0 {
		fault, c.faults = c.faults[0], c.faults[1:]
	}
	c.mu.Unlock()

	if fault != 0 {
		writeJSON(w, fault, map[string]any{"error": "injected fault"})
		return
	}

	if r.Header.Get("openpanel-client-id") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing openpanel-client-id header"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body: " + err.Error()})
		return
	}

	p, err := payload.Unmarshal(data)
	if err != nil {
		code := "invalid_payload"
		if errors.Is(err, payload.ErrUnknownType) {
			code = "unknown_type"
		}
		c.logger.Warn("rejected envelope", zap.String("code", code), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "code": code})
		return
	}

	evt := Event{
		ID:         uuid.NewString(),
		ReceivedAt: c.now().UTC(),
		Type:       p.Type(),
		Payload:    p,
		Headers:    make(map[string]string, len(recordedHeaders)),
	}
	for _, h := range recordedHeaders {
		if v := r.Header.Get(h); v != "" {
			evt.Headers[h] = v
		}
	}

	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()

	c.logger.Debug("accepted event", zap.String("id", evt.ID), zap.String("type", string(evt.Type)))
	writeJSON(w, http.StatusOK, map[string]any{"id": evt.ID})
}

// AdminListEvents handles GET /admin/events. Supports ?type= and ?name= filters.
func (c *Collector) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	typeFilter := payload.Type(r.URL.Query().Get("type"))
	nameFilter := r.URL.Query().Get("name")

	events := make([]Event, 0)
	for _, evt := range c.Events() {
		if typeFilter != "" && evt.Type != typeFilter {
			continue
		}
		if nameFilter != "" {
			tr, ok := evt.Payload.(payload.Track)
			if !ok || tr.Name != nameFilter {
				continue
			}
		}
		events = append(events, evt)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// AdminReset handles POST /admin/reset.
func (c *Collector) AdminReset(w http.ResponseWriter, r *http.Request) {
	c.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

type faultRequest struct {
	Status int `json:"status"`
	Count  int `json:"count"`
}

// AdminFault handles POST /admin/fault: the next Count ingest requests answer Status.
func (c *Collector) AdminFault(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Status < 100 || req.Status > 599 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status must be a valid HTTP status code"})
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	c.FailNext(req.Status, req.Count)
	writeJSON(w, http.StatusOK, map[string]any{"status": "armed", "count": req.Count})
}

// FailNext makes the next n ingest requests answer status.
func (c *Collector) FailNext(status, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.faults = append(c.faults, status)
	}
}

// Events returns a copy of the accepted events in arrival order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Payloads returns the accepted payloads in arrival order.
func (c *Collector) Payloads() []payload.Payload {
	events := c.Events()
	out := make([]payload.Payload, len(events))
	for i, evt := range events {
		out[i] = evt.Payload
	}
	return out
}

// Requests returns how many ingest requests arrived, accepted or not.
func (c *Collector) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// Reset clears events, faults and counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	c.faults = nil
	c.requests = 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relaycache/internal/connectivity"
	"github.com/agentworkforce/relaycache/internal/offlinesync"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on /v1 routes.
	Token        string
	MaxBodyBytes int64
	Logger       offlinesync.Logger
}

// ConnectivityFeed is the part of connectivity.Monitor the API needs.
type ConnectivityFeed interface {
	IsOffline() bool
	Subscribe(fn func(connectivity.Event)) (cancel func())
}

type Server struct {
	engine       *offlinesync.Engine
	connectivity ConnectivityFeed
	cfg          ServerConfig
	hub          *eventHub
	metrics      http.Handler
	unsubscribe  []func()
}

func NewServer(engine *offlinesync.Engine, feed ConnectivityFeed) *Server {
	return NewServerWithConfig(engine, feed, ServerConfig{})
}

func NewServerWithConfig(engine *offlinesync.Engine, feed ConnectivityFeed, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		engine:       engine,
		connectivity: feed,
		cfg:          cfg,
		hub:          newEventHub(cfg.Logger),
		metrics:      promhttp.Handler(),
	}
	s.unsubscribe = append(s.unsubscribe, engine.SubscribeDrains(s.hub.publishDrain))
	if feed != nil {
		s.unsubscribe = append(s.unsubscribe, feed.Subscribe(s.hub.publishConnectivity))
	}
	return s
}

// Close detaches from the engine and monitor and drops stream clients.
func (s *Server) Close() {
	for _, cancel := range s.unsubscribe {
		cancel()
	}
	s.unsubscribe = nil
	s.hub.close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "offline": s.offline()})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/" || r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	isStream := len(parts) == 2 && parts[1] == "events"
	if authErr := authorizeBearer(r, s.cfg.Token, isStream); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "entities" && r.Method == http.MethodGet:
		s.handleListEntities(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodGet:
		s.handleGetEntity(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodPut:
		s.handleWriteEntity(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "operations" && r.Method == http.MethodGet:
		s.handleListOperations(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "operations" && r.Method == http.MethodPost:
		s.handleEnqueue(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, correlationID)
	case isStream && r.Method == http.MethodGet:
		s.hub.serve(w, r, s.stateMessage())
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request, correlationID string) {
	entities, err := s.engine.List()
	if err != nil {
		writeStorageError(w, err, correlationID)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := entities[:0]
		for _, entity := range entities {
			if string(entity.SyncStatus) == status {
				filtered = append(filtered, entity)
			}
		}
		entities = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, _ *http.Request, id, correlationID string) {
	entity, ok, err := s.engine.Get(id)
	if err != nil {
		writeStorageError(w, err, correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "entity not cached", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

type writeEntityRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload"`
}

type writeEntityResponse struct {
	offlinesync.WriteResult
	Warning string `json:"warning,omitempty"`
}

// handleWriteEntity applies a local mutation: the snapshot becomes the
// optimistic view and the mutation is queued. Method defaults to PUT and
// the payload to the snapshot. The mutation is still accepted when the
// local copy could not be saved; the response then carries a warning.
func (s *Server) handleWriteEntity(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var req writeEntityRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Snapshot) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "snapshot is required", correlationID)
		return
	}
	method := req.Method
	if strings.TrimSpace(method) == "" {
		method = http.MethodPut
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = req.Snapshot
	}
	result, err := s.engine.Write(r.Context(), id, req.Snapshot, offlinesync.Mutation{
		TargetID: id,
		Method:   method,
		Endpoint: req.Endpoint,
		Payload:  payload,
	})
	if err != nil {
		writeMutationError(w, err, correlationID)
		return
	}
	resp := writeEntityResponse{WriteResult: result}
	if !result.CachePersisted {
		resp.Warning = "mutation queued but the local copy was not saved: " + result.CacheError
		s.hub.logf("write %s: correlation=%s cache not persisted: %s", id, correlationID, result.CacheError)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type enqueueRequest struct {
	TargetID string          `json:"targetId"`
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	op, err := s.engine.Enqueue(r.Context(), offlinesync.Mutation{
		TargetID: req.TargetID,
		Method:   req.Method,
		Endpoint: req.Endpoint,
		Payload:  req.Payload,
	})
	if err != nil {
		writeMutationError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

type statusResponse struct {
	Offline  bool                              `json:"offline"`
	Summary  offlinesync.StatusSummary         `json:"summary"`
	Entities map[string]offlinesync.SyncStatus `json:"entities"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	tracker := s.engine.Tracker()
	statuses, err := tracker.Statuses()
	if err != nil {
		writeStorageError(w, err, correlationID)
		return
	}
	summary, err := tracker.Summary()
	if err != nil {
		writeStorageError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Offline:  s.offline(),
		Summary:  summary,
		Entities: statuses,
	})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request, correlationID string) {
	ops, err := s.engine.Operations()
	if err != nil {
		writeStorageError(w, err, correlationID)
		return
	}
	if target := strings.TrimSpace(r.URL.Query().Get("targetId")); target != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if op.TargetID == target {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

// handleSync runs a manual drain. Offline answers 503 with the result so
// callers can tell "nothing to do" from "could not try".
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, _ string) {
	result := s.engine.Drain(r.Context())
	status := http.StatusOK
	if !result.Success && result.Reason == offlinesync.ReasonOffline {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (s *Server) stateMessage() streamMessage {
	offline := s.offline()
	return streamMessage{Type: streamTypeState, At: time.Now().UTC(), Offline: &offline}
}

func (s *Server) offline() bool {
	return s.connectivity != nil && s.connectivity.IsOffline()
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeMutationError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, offlinesync.ErrInvalidOperation), errors.Is(err, offlinesync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_operation", err.Error(), correlationID)
	case errors.Is(err, offlinesync.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeStorageError(w, err, correlationID)
	}
}

func writeStorageError(w http.ResponseWriter, err error, correlationID string) {
	writeError(w, http.StatusInternalServerError, "storage_unavailable", err.Error(), correlationID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

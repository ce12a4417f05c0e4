package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/ingest"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/registration"
	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxBodyBytes    = 8 << 20
)

// RuleRegistrar registers and removes replication rules
type RuleRegistrar interface {
	RegisterRule(ctx context.Context, spec registration.RuleSpec) (registration.Result, error)
	DeregisterRule(ctx context.Context, id string) (*types.ReplicationRule, error)
}

// EventSubmitter accepts raw replication events
type EventSubmitter interface {
	Submit(ctx context.Context, raw types.RawEvent) error
}

// RecordReader is the read side of the state store
type RecordReader interface {
	GetRecord(key types.RecordKey) (*types.ReplicationRecord, error)
	ScanRecords(filter storage.RecordFilter, fn func(*types.ReplicationRecord) error) (string, error)
	CountRecords() (map[types.RecordStatus]int, error)
}

// Config configures the HTTP server
type Config struct {
	Rules      *rules.Table
	Registrar  RuleRegistrar
	Events     EventSubmitter
	Store      RecordReader
	DefaultSLA time.Duration
	// ReadOnly rejects every request that would change state
	ReadOnly bool
	// WriteRateLimit caps write requests per client per second. Zero
	// disables the limit.
	WriteRateLimit float64
	WriteBurst     int
	Logger         zerolog.Logger
}

// Server serves health, metrics, rule registration, event submission and
// record queries over HTTP
type Server struct {
	rules      *rules.Table
	registrar  RuleRegistrar
	events     EventSubmitter
	store      RecordReader
	defaultSLA time.Duration
	logger     zerolog.Logger

	mux     *http.ServeMux
	handler http.Handler
	http    *http.Server
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Rules == nil {
		cfg.Rules = rules.NewTable()
	}
	s := &Server{
		rules:      cfg.Rules,
		registrar:  cfg.Registrar,
		events:     cfg.Events,
		store:      cfg.Store,
		defaultSLA: cfg.DefaultSLA,
		logger:     cfg.Logger,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.HandleFunc("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /v1/rules", s.listRules)
	s.mux.HandleFunc("POST /v1/rules", s.registerRule)
	s.mux.HandleFunc("DELETE /v1/rules/{id}", s.deregisterRule)
	s.mux.HandleFunc("POST /v1/events", s.submitEvents)
	s.mux.HandleFunc("GET /v1/records", s.listRecords)
	s.mux.HandleFunc("GET /v1/records/{key...}", s.getRecord)
	s.mux.HandleFunc("GET /v1/status", s.status)

	var h http.Handler = s.mux
	if cfg.WriteRateLimit > 0 {
		h = NewRateLimiter(cfg.WriteRateLimit, cfg.WriteBurst, s.logger).Middleware(h)
	}
	if cfg.ReadOnly {
		h = ReadOnly(h)
	}
	s.handler = Instrument(h, s.logger)
	s.http = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves on addr until Shutdown is called. It returns nil at once if
// Shutdown already ran.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	return s.http.Shutdown(ctx)
}

// Rules

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	snap := s.rules.Snapshot()
	list := snap.List()
	sort.Slice(list, func(i, j int) bool { return list[i].SourceBucket < list[j].SourceBucket })
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version(),
		"rules":   list,
	})
}

func (s *Server) registerRule(w http.ResponseWriter, r *http.Request) {
	if s.registrar == nil {
		writeError(w, http.StatusServiceUnavailable, "rule registration is not available")
		return
	}

	var spec registration.RuleSpec
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid rule: %v", err))
		return
	}
	if spec.SLAWindowSeconds == 0 {
		spec.SLAWindowSeconds = int64(s.defaultSLA / time.Second)
	}

	result, err := s.registrar.RegisterRule(r.Context(), spec)
	if err != nil {
		s.logger.Error().Err(err).Str("source_bucket", spec.SourceBucket).Msg("Rule registration failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !result.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deregisterRule(w http.ResponseWriter, r *http.Request) {
	if s.registrar == nil {
		writeError(w, http.StatusServiceUnavailable, "rule registration is not available")
		return
	}

	id := r.PathValue("id")
	rule, err := s.registrar.DeregisterRule(r.Context(), id)
	if errors.Is(err, registration.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("rule %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("rule_id", id).Msg("Rule removal failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Events

// EventRejection describes one event of a submission that was not queued
type EventRejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// SubmitResponse is the reply to POST /v1/events
type SubmitResponse struct {
	Accepted int              `json:"accepted"`
	Rejected []EventRejection `json:"rejected,omitempty"`
}

// submitEvents accepts a single event, a JSON array of events, or a stream
// of concatenated/newline-delimited events
func (s *Server) submitEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event ingestion is not available")
		return
	}

	batch, err := decodeEvents(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid events: %v", err))
		return
	}

	var resp SubmitResponse
	for i, raw := range batch {
		err := s.events.Submit(r.Context(), raw)
		var verr *ingest.ValidationError
		switch {
		case err == nil:
			resp.Accepted++
		case errors.As(err, &verr):
			resp.Rejected = append(resp.Rejected, EventRejection{Index: i, Reason: verr.Reason, Error: verr.Error()})
		case errors.Is(err, ingest.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	code := http.StatusAccepted
	if resp.Accepted == 0 && len(resp.Rejected) > 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

func decodeEvents(r io.Reader) ([]types.RawEvent, error) {
	dec := json.NewDecoder(r)
	var batch []types.RawEvent
	for dec.More() {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		if len(msg) > 0 && msg[0] == '[' {
			var many []types.RawEvent
			if err := json.Unmarshal(msg, &many); err != nil {
				return nil, err
			}
			batch = append(batch, many...)
			continue
		}
		var one types.RawEvent
		if err := json.Unmarshal(msg, &one); err != nil {
			return nil, err
		}
		batch = append(batch, one)
	}
	if len(batch) == 0 {
		return nil, errors.New("no events in request body")
	}
	return batch, nil
}

// Records

// RecordPage is one page of a record listing
type RecordPage struct {
	Records    []*types.ReplicationRecord `json:"records"`
	NextCursor string                     `json:"nextCursor,omitempty"`
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RecordFilter{
		Status:       types.RecordStatus(q.Get("status")),
		SourceBucket: q.Get("source"),
		After:        q.Get("cursor"),
		Limit:        defaultPageSize,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxPageSize)
	}

	page := RecordPage{Records: []*types.ReplicationRecord{}}
	next, err := s.store.ScanRecords(filter, func(rec *types.ReplicationRecord) error {
		page.Records = append(page.Records, rec)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page.NextCursor = next
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	key, err := types.ParseRecordKey(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.store.GetRecord(key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("record %s not found", key))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// StatusResponse summarizes the monitor's state
type StatusResponse struct {
	Records      map[types.RecordStatus]int `json:"records"`
	Rules        int                        `json:"rules"`
	RulesVersion uint64                     `json:"rulesVersion"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountRecords()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap := s.rules.Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		Records:      counts,
		Rules:        snap.Len(),
		RulesVersion: snap.Version(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lvonguyen/chainwatch/internal/aging"
	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/pattern"
	"github.com/lvonguyen/chainwatch/internal/stats"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/subscription"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Health and readiness

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// The in-memory store is always ready; readiness gates on the record
	// store answering queries.
	if _, _, err := s.records.List(r.Context(), store.RecordQuery{Limit: 1}); err != nil {
		s.respondError(w, errs.Internal("record store not ready", err))
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Ingestion

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var obs threat.Observation
	if err := decodeJSON(r, &obs); err != nil {
		s.respondError(w, err)
		return
	}

	res, err := s.ingester.Ingest(r.Context(), obs)
	if err != nil {
		s.respondError(w, err)
		return
	}

	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	s.respond(w, status, res)
}

// Records

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecordQuery(r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	recs, total, err := s.records.List(r.Context(), q)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"records": recs,
		"total":   total,
		"offset":  q.Offset,
		"limit":   q.Limit,
	})
}

func parseRecordQuery(r *http.Request) (store.RecordQuery, error) {
	qp := r.URL.Query()
	q := store.RecordQuery{Limit: defaultPageLimit}

	for _, t := range qp["type"] {
		q.Types = append(q.Types, threat.Type(t))
	}
	for _, c := range qp["category"] {
		q.Categories = append(q.Categories, threat.Category(c))
	}
	for _, st := range qp["status"] {
		q.Statuses = append(q.Statuses, threat.Status(st))
	}
	if v := qp.Get("min_severity"); v != "" {
		sev := threat.Severity(v)
		if sev.Rank() < 0 {
			return q, errs.Validation("unknown severity %q", v)
		}
		q.MinSeverity = sev
	}
	if v := qp.Get("min_confidence"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, errs.Validation("min_confidence must be an integer")
		}
		q.MinConfidence = n
	}
	q.TargetValue = qp.Get("target")
	q.SourceKind = threat.SourceKind(qp.Get("source_kind"))
	q.Tag = qp.Get("tag")

	if v := qp.Get("seen_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errs.Validation("seen_after must be RFC3339")
		}
		q.SeenAfter = t
	}
	if v := qp.Get("seen_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errs.Validation("seen_before must be RFC3339")
		}
		q.SeenBefore = t
	}
	if v := qp.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errs.Validation("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	if v := qp.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, errs.Validation("limit must be a positive integer")
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status threat.Status `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	rec, err := s.sweeper.Transition(r.Context(), chi.URLParam(r, "id"), body.Status)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

// handleResolveRecord maps DELETE onto a resolve transition. Records are
// never physically deleted; resolution is the terminal they reach.
func (s *Server) handleResolveRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sweeper.Transition(r.Context(), chi.URLParam(r, "id"), threat.StatusResolved)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Direction string `json:"direction"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	if body.Direction != "up" && body.Direction != "down" {
		s.respondError(w, errs.Validation("direction must be up or down"))
		return
	}

	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	if body.Direction == "up" {
		rec.Votes.Up++
	} else {
		rec.Votes.Down++
	}
	rec.Confidence = threat.ComputeConfidence(rec)

	if err := s.records.Update(r.Context(), rec); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	rec.Disputes++
	rec.Confidence = threat.ComputeConfidence(rec)

	if err := s.records.Update(r.Context(), rec); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleRecordCorrelations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.records.Get(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}

	edges, err := s.edges.ForRecord(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"record_id":    id,
		"correlations": edges,
		"count":        len(edges),
	})
}

// Subscriptions and watchlists

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filter   subscription.Filter   `json:"filter"`
		RealTime bool                  `json:"real_time"`
		Channels subscription.Channels `json:"channels"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	sub, err := s.registry.Create(&subscription.Subscription{
		UserID:    r.Header.Get("X-User-ID"),
		SessionID: r.Header.Get("X-Session-ID"),
		Filter:    body.Filter,
		RealTime:  body.RealTime,
		Channels:  body.Channels,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deactivate(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleCreateWatchlist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string          `json:"name"`
		Targets     []string        `json:"targets"`
		MinSeverity threat.Severity `json:"min_severity"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	wl, err := s.registry.CreateWatchlist(&subscription.Watchlist{
		UserID:      r.Header.Get("X-User-ID"),
		Name:        body.Name,
		Targets:     body.Targets,
		MinSeverity: body.MinSeverity,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, wl)
}

func (s *Server) handleListWatchlists(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		s.respondError(w, errs.Validation("X-User-ID header is required"))
		return
	}
	s.respond(w, http.StatusOK, s.registry.WatchlistsForUser(userID))
}

// Stats

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period := stats.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = stats.PeriodDaily
	}
	snap, err := s.stats.Latest(r.Context(), period)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, snap)
}

// Admin

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	_, total, err := s.records.List(r.Context(), store.RecordQuery{Limit: 1})
	if err != nil {
		s.respondError(w, err)
		return
	}
	subs, sessionSubs, watchlists := s.registry.Counts()
	delivered, failed := s.dispatcher.Totals()

	s.respond(w, http.StatusOK, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).String(),
		"records": map[string]any{"total": total},
		"aging": map[string]any{
			"runs_total": s.sweeper.RunsTotal(),
			"last_run":   s.sweeper.LastRun(),
		},
		"subscriptions": map[string]any{
			"durable":   subs,
			"session":   sessionSubs,
			"delivered": delivered,
			"failed":    failed,
		},
		"watchlists":        watchlists,
		"sources":           s.scheduler.Status(),
		"patterns":          len(s.patterns.List()),
		"recent_deliveries": s.dispatcher.RecentDeliveries(20),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntervalSeconds int  `json:"interval_seconds"`
		Active          bool `json:"active"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	name := chi.URLParam(r, "name")
	interval := time.Duration(body.IntervalSeconds) * time.Second
	if err := s.scheduler.UpdateSource(name, interval, body.Active); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleReactivateSource(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Reactivate(chi.URLParam(r, "name")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "reactivated"})
}

func (s *Server) handleFetchSource(w http.ResponseWriter, r *http.Request) {
	res, err := s.scheduler.RunOnce(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.patterns.List())
}

func (s *Server) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var p pattern.Pattern
	if err := decodeJSON(r, &p); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.patterns.Add(&p); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, &p)
}

func (s *Server) handleUpdatePattern(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Clauses   []pattern.Clause `json:"clauses,omitempty"`
		Threshold float64          `json:"threshold,omitempty"`
		IsActive  *bool            `json:"is_active,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if len(body.Clauses) > 0 {
		if err := s.patterns.UpdateClauses(id, body.Clauses, body.Threshold); err != nil {
			s.respondError(w, err)
			return
		}
	}
	if body.IsActive != nil {
		if err := s.patterns.SetActive(id, *body.IsActive); err != nil {
			s.respondError(w, err)
			return
		}
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleSetCorrelationStatus drives the edge moderation lifecycle: disputed
// by moderation, confirmed by verification. Edges are never deleted.
func (s *Server) handleSetCorrelationStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status threat.CorrelationStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	switch body.Status {
	case threat.CorrelationActive, threat.CorrelationDisputed, threat.CorrelationConfirmed:
	default:
		s.respondError(w, errs.Validation("unknown correlation status %q", body.Status))
		return
	}

	id := chi.URLParam(r, "id")
	edge, err := s.edges.GetEdge(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if edge.Status == body.Status {
		s.respondError(w, errs.Conflict("correlation %s is already %s", id, body.Status))
		return
	}

	if err := s.edges.SetStatus(r.Context(), id, body.Status); err != nil {
		s.respondError(w, err)
		return
	}
	edge, err = s.edges.GetEdge(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, edge)
}

// handleInitialize seeds the built-in pattern rule set. Idempotent: patterns
// already present by name are left untouched.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	seeded, err := s.patterns.SeedDefaults()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"patterns_seeded": seeded,
		"patterns_total":  len(s.patterns.List()),
	})
}

func (s *Server) handleRunAging(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.Run(r.Context(), time.Now().UTC())
	if err != nil {
		if errors.Is(err, aging.ErrSweepInProgress) {
			s.respondError(w, errs.Conflict("aging sweep already in progress"))
			return
		}
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleGenerateStats(w http.ResponseWriter, r *http.Request) {
	if p := stats.Period(r.URL.Query().Get("period")); p != "" {
		snap, err := s.stats.Generate(r.Context(), p)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, snap)
		return
	}

	if err := s.stats.GenerateAll(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "regenerated"})
}

// handleEmergencyAlert ingests a manual observation and pushes it to every
// active subscriber regardless of filter.
func (s *Server) handleEmergencyAlert(w http.ResponseWriter, r *http.Request) {
	var obs threat.Observation
	if err := decodeJSON(r, &obs); err != nil {
		s.respondError(w, err)
		return
	}
	// Emergency alerts are always critical.
	obs.Severity = threat.SeverityCritical

	res, err := s.ingester.Ingest(r.Context(), obs)
	if err != nil {
		s.respondError(w, err)
		return
	}

	kind := event.KindMerged
	if res.IsNew {
		kind = event.KindCreated
	}
	deliveries := s.dispatcher.Broadcast(r.Context(), event.Mutation{
		ID:       res.MutationID,
		Kind:     kind,
		Record:   res.Record,
		Previous: res.Record.Status,
		At:       time.Now().UTC(),
	})

	s.respond(w, http.StatusOK, map[string]any{
		"record":     res.Record,
		"deliveries": len(deliveries),
	})
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"jobstore/db"
	"jobstore/models"
	"jobstore/stream"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 5 * time.Second

// JobStore is a repository that also serves the continuous update feed.
type JobStore interface {
	models.Repository
	Subscribe(subscriberID string) (*stream.Subscriber, error)
	Unsubscribe(sub *stream.Subscriber)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// JobHandler handles HTTP requests for job operations
type JobHandler struct {
	store   JobStore
	health  HealthChecker
	logger  *zap.Logger
	timeout time.Duration
}

// NewJobHandler creates a new job handler. health may be nil.
func NewJobHandler(store JobStore, health HealthChecker, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		store:   store,
		health:  health,
		logger:  logger,
		timeout: DefaultRequestTimeout,
	}
}

// Routes returns the router serving every job endpoint.
func (jh *JobHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(jh.logRequests)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health", jh.Health)
	r.Get("/updates", jh.WatchUpdates)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", jh.CreateJob)
		r.Get("/", jh.ListJobs)
		r.Delete("/", jh.DeleteAllJobs)
		r.Delete("/expired", jh.DeleteExpiredJobs)
		r.Get("/{id}", jh.GetJob)
		r.Put("/{id}", jh.UpdateJob)
		r.Delete("/{id}", jh.DeleteJob)
		r.Get("/{id}/watch", jh.WatchJob)
	})
	return r
}

func (jh *JobHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		jh.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (jh *JobHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), jh.timeout)
}

// CreateJob handles POST /jobs
func (jh *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var item models.WorkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}

	ctx, cancel := jh.requestContext(r)
	defer cancel()

	ok, err := jh.store.Create(ctx, &item)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusInternalServerError, "CREATE_FAILED", "failed to create job "+item.Id)
		return
	}

	created, err := jh.store.Read(ctx, item.Id, item.Topic)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetJob handles GET /jobs/{id}
func (jh *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := jh.requestContext(r)
	defer cancel()

	id := chi.URLParam(r, "id")
	item, err := jh.store.Read(ctx, id, r.URL.Query().Get("topic"))
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	if !item.Found() {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ListJobs handles GET /jobs
func (jh *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	ctx, cancel := jh.requestContext(r)
	defer cancel()

	items, err := jh.store.Find(ctx, q)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func parseQuery(r *http.Request) (models.Query, error) {
	values := r.URL.Query()
	q := models.Query{
		Topic:  values.Get("topic"),
		Region: values.Get("region"),
	}
	for _, s := range values["state"] {
		state, err := models.ParseState(s)
		if err != nil {
			return q, err
		}
		q.States = append(q.States, state)
	}
	if v := values.Get("include_deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, errors.New("include_deleted must be a boolean")
		}
		q.IncludeDeleted = b
	}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

// UpdateJob handles PUT /jobs/{id}
func (jh *JobHandler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var item models.WorkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	item.Id = chi.URLParam(r, "id")

	ctx, cancel := jh.requestContext(r)
	defer cancel()

	ok, err := jh.store.Update(ctx, &item)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job "+item.Id+" not found or already deleted")
		return
	}

	updated, err := jh.store.Read(ctx, item.Id, item.Topic)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteJob handles DELETE /jobs/{id}
func (jh *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := jh.requestContext(r)
	defer cancel()

	item := &models.WorkItem{Id: chi.URLParam(r, "id"), Topic: r.URL.Query().Get("topic")}
	ok, err := jh.store.Delete(ctx, item)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusInternalServerError, "DELETE_FAILED", "failed to delete job "+item.Id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type countResponse struct {
	Count int64 `json:"count"`
}

// DeleteAllJobs handles DELETE /jobs
func (jh *JobHandler) DeleteAllJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := jh.requestContext(r)
	defer cancel()

	n, err := jh.store.DeleteAll(ctx)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// DeleteExpiredJobs handles DELETE /jobs/expired
func (jh *JobHandler) DeleteExpiredJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := jh.requestContext(r)
	defer cancel()

	n, err := jh.store.DeleteExpired(ctx)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// WatchJob handles GET /jobs/{id}/watch. It streams one JSON object per
// progress update until the client disconnects or the cursor ends.
func (jh *JobHandler) WatchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	updates, err := jh.store.Monitor(r.Context(), id)
	if err != nil {
		jh.writeStoreError(w, err)
		return
	}

	out := newNDJSONWriter(w)
	for item := range updates {
		if err := out.Write(item); err != nil {
			jh.logger.Debug("job watcher disconnected", zap.String("job_id", id), zap.Error(err))
			return
		}
	}
}

// WatchUpdates handles GET /updates, the continuous feed of progress
// updates for every job. The optional subscriber parameter names the
// subscription; reusing a name replaces the earlier subscription.
func (jh *JobHandler) WatchUpdates(w http.ResponseWriter, r *http.Request) {
	sub, err := jh.store.Subscribe(r.URL.Query().Get("subscriber"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", err.Error())
		return
	}
	defer jh.store.Unsubscribe(sub)

	out := newNDJSONWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case item, ok := <-sub.C():
			if !ok {
				return
			}
			if err := out.Write(item); err != nil {
				jh.logger.Debug("feed subscriber disconnected", zap.String("subscriber_id", sub.ID()), zap.Error(err))
				return
			}
		}
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health handles GET /health
func (jh *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	if jh.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := jh.requestContext(r)
	defer cancel()

	if err := jh.health.CheckHealth(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (jh *JobHandler) writeStoreError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	var conn *db.ConnectionError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", validation.Error())
	case errors.As(err, &conn), errors.Is(err, db.ErrStoreClosed):
		jh.logger.Warn("job store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", err.Error())
	default:
		jh.logger.Error("job store request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

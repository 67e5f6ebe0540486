package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/reunite/internal/config"
	"github.com/sells-group/reunite/internal/matcher"
	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/monitoring"
	"github.com/sells-group/reunite/internal/store"
	"github.com/sells-group/reunite/internal/surveillance"
)

// uploadProber matches a user-uploaded image.
type uploadProber interface {
	ProcessUploadProbe(ctx context.Context, imagePath, location string) (*model.MatchResult, error)
}

// cameraPoller admits and runs a camera poll.
type cameraPoller interface {
	Poll(ctx context.Context, cameraID, location string) (*model.MatchResult, error)
}

// api holds the dependencies of the HTTP handlers. Any of them may be nil;
// routes backed by a nil dependency answer 503.
type api struct {
	store     store.Store
	engine    uploadProber
	poller    cameraPoller
	collector *monitoring.Collector
	gatherer  prometheus.Gatherer

	uploadDir string
	maxUpload int64
	lookback  int
}

func newAPI(env *appEnv, c *config.Config) *api {
	a := &api{
		store:     env.Store,
		collector: monitoring.NewCollector(env.Store),
		uploadDir: c.Server.UploadDir,
		maxUpload: int64(c.Server.MaxUploadMB) << 20,
		lookback:  c.Monitoring.LookbackHours,
	}
	if env.Engine != nil {
		a.engine = env.Engine
	}
	if env.Scheduler != nil {
		a.poller = env.Scheduler
	}
	if env.Registry != nil {
		a.gatherer = env.Registry
	}
	return a
}

// buildRouter mounts the API routes behind the standard middleware stack.
func buildRouter(a *api, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/stats", a.stats)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/probes", a.submitProbe)
		r.Post("/cameras/{cameraID}/poll", a.pollCamera)

		r.Get("/cases", a.listCases)
		r.Patch("/cases/{id}/status", a.updateCaseStatus)
		r.Post("/cases/reset-found", a.resetFound)
		r.Delete("/cases/found", a.purgeFound)

		r.Get("/detections", a.listDetections)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps an internal error onto a status code.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, surveillance.ErrUnknownCamera):
		status, msg = http.StatusNotFound, "unknown camera"
	case errors.Is(err, matcher.ErrRegistrySnapshot):
		status, msg = http.StatusBadGateway, "registry unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusServiceUnavailable, "request cancelled"
	}
	zap.L().Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, status, msg)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			zap.L().Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	snap, err := a.collector.Collect(r.Context(), a.lookback)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// submitProbe accepts a multipart upload with an "image" file and an
// optional "location" field and matches it against the registry.
func (a *api) submitProbe(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}

	if r.ContentLength > a.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(a.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, hdr, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close() //nolint:errcheck

	ext, ok := imageExt(hdr.Filename)
	if !ok {
		writeError(w, http.StatusBadRequest, "image must be png, jpg, jpeg or gif")
		return
	}
	name, err := saveImage(a.uploadDir, ext, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image could not be stored")
		return
	}
	path := filepath.Join(a.uploadDir, name)

	result, err := a.engine.ProcessUploadProbe(r.Context(), path, r.FormValue("location"))
	if err != nil || !result.Matched() {
		os.Remove(path) //nolint:errcheck
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) pollCamera(w http.ResponseWriter, r *http.Request) {
	if a.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "camera polling not configured")
		return
	}

	var req struct {
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.poller.Poll(r.Context(), chi.URLParam(r, "cameraID"), req.Location)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (a *api) listCases(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	q := r.URL.Query()
	filter := model.PersonFilter{Search: q.Get("search")}
	if s := q.Get("status"); s != "" && s != "all" {
		status, err := model.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "status must be missing, found, closed or all")
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	persons, err := a.store.ListPersons(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if persons == nil {
		persons = []model.Person{}
	}
	writeJSON(w, http.StatusOK, persons)
}

func (a *api) updateCaseStatus(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid case id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if err := a.store.SetStatus(r.Context(), id, status); err != nil {
		writeFailure(w, r, err)
		return
	}
	zap.L().Info("case status updated", zap.Int64("person_id", id), zap.String("status", string(status)))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Case status updated to " + string(status),
	})
}

func (a *api) resetFound(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	n, err := a.store.ResetFoundToMissing(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	zap.L().Info("admin action: reset found cases to missing", zap.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   n,
		"message": "Reset " + strconv.Itoa(n) + " cases back to missing status",
	})
}

func (a *api) purgeFound(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	photos, err := a.store.PurgeFound(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	removed := removePhotos(a.uploadDir, photos)
	zap.L().Info("admin action: purged found cases", zap.Int("photos_removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"photos_removed": removed,
		"message":        "Deleted all found cases",
	})
}

func (a *api) listDetections(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	q := r.URL.Query()
	var filter model.DetectionFilter
	if v := q.Get("person_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid person_id")
			return
		}
		filter.PersonID = id
	}
	if v := q.Get("notified"); v != "" {
		n, err := model.ParseNotifyOutcome(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid notified value")
			return
		}
		filter.Notified = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.DetectedAfter = t
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dets, err := a.store.ListDetections(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if dets == nil {
		dets = []model.Detection{}
	}
	writeJSON(w, http.StatusOK, dets)
}

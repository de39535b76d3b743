package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

type handler struct {
	orch *Orchestrator
}

// NewRouter returns the review HTTP surface.
func NewRouter(o *Orchestrator, allowedOrigins []string) http.Handler {
	h := &handler{orch: o}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/review/{id}", h.page)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", h.queue)
		r.Post("/claims", h.claim)
		r.Route("/extractions/{id}", func(r chi.Router) {
			r.Get("/", h.detail)
			r.Get("/summary", h.summary)
			r.Get("/artifacts/{kind}", h.artifact)
			r.Post("/decision", h.decide)
			r.Post("/release", h.release)
		})
	})
	return r
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("review: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("review: starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "review: server listen")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("review: request",
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) queue(w http.ResponseWriter, r *http.Request) {
	counts, err := h.orch.Queue(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"states": counts})
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Holder string `json:"holder"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondStatus(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	claim, err := h.orch.ClaimNext(r.Context(), req.Holder)
	if err != nil {
		respondError(w, err)
		return
	}
	if claim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, claim)
}

func (h *handler) detail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := h.orch.Detail(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := h.orch.Detail(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	c := &Claim{Extraction: d.Extraction, Candidates: d.Candidates, Prior: d.Validated}
	if e, err := h.orch.store.GetEntity(r.Context(), d.Extraction.EntityID); err == nil {
		c.Entity = e
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, FormatSummary(c)) //nolint:errcheck
}

func (h *handler) artifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	kind := model.ArtifactKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		respondStatus(w, http.StatusBadRequest, "unknown artifact kind")
		return
	}
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondStatus(w, http.StatusBadRequest, "invalid version")
			return
		}
		version = n
	}

	data, meta, err := h.orch.Artifact(r.Context(), id, kind, version)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("X-Artifact-Version", strconv.Itoa(meta.Version))
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

type decisionRequest struct {
	Token    string               `json:"token"`
	Decision model.Decision       `json:"decision"`
	Offices  []model.EditedOffice `json:"offices"`
	Reason   string               `json:"reason"`
}

func (h *handler) decide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Decision.Valid() {
		respondStatus(w, http.StatusBadRequest, "decision must be accept or reject")
		return
	}
	if req.Token == "" {
		respondStatus(w, http.StatusBadRequest, "token is required")
		return
	}

	res, err := h.orch.Decide(r.Context(), store.DecisionInput{
		ExtractionID: id,
		Token:        req.Token,
		Decision:     req.Decision,
		Offices:      req.Offices,
		Reason:       req.Reason,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"extraction": res.Extraction,
		"offices":    res.Offices,
	})
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondStatus(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.orch.Release(r.Context(), id, req.Token); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *handler) page(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	page, err := h.orch.ReviewPage(r.Context(), id, r.URL.Query().Get("token"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			zap.L().Error("review: render page", zap.Int64("extraction_id", id), zap.Error(err))
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page) //nolint:errcheck
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondStatus(w, http.StatusBadRequest, "invalid extraction id")
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrClaimLost):
		return http.StatusConflict
	case errors.Is(err, ErrValidationTimeout):
		return http.StatusGone
	case errors.Is(err, store.ErrNoAcceptedOffices), errors.Is(err, store.ErrUnknownOffice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrIllegalTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func respondStatus(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("review: request failed", zap.Error(err))
		respondStatus(w, status, "internal error")
		return
	}
	respondStatus(w, status, err.Error())
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/app"
	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/metrics"
	"github.com/zzenonn/chainstore/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	// multipart framing allowance on top of the largest accepted file
	formOverhead = 1 << 20
)

type route struct {
	name    string
	method  string
	pattern string
	handler http.HandlerFunc
}

type handler struct {
	app *app.App
}

// NewRouter builds the API on a. gatherer serves /metrics when non-nil.
func NewRouter(a *app.App, gatherer prometheus.Gatherer) http.Handler {
	h := &handler{app: a}

	router := mux.NewRouter().StrictSlash(true)
	router.Use(requestLogger)
	router.Use(a.Metrics.Middleware)
	if gatherer != nil {
		router.Handle("/metrics", metrics.Handler(gatherer)).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	for _, r := range h.routes() {
		api.Methods(r.method).Path(r.pattern).Name(r.name).Handler(r.handler)
	}
	return router
}

func (h *handler) routes() []route {
	routes := []route{
		{"QuoteUpload", http.MethodPost, "/uploads", h.quoteUpload},
		{"ConfirmUpload", http.MethodPost, "/uploads/{id}/confirm", h.confirmUpload},
		{"SubmitDownload", http.MethodPost, "/downloads", h.submitDownload},
		{"ListJobs", http.MethodGet, "/jobs", h.listJobs},
		{"GetJob", http.MethodGet, "/jobs/{id}", h.getJob},
		{"RetrieveFile", http.MethodGet, "/jobs/{id}/file", h.retrieveFile},
	}
	if h.app.DevChain != nil {
		routes = append(routes, route{"DevFund", http.MethodPost, "/dev/jobs/{id}/fund", h.devFund})
	}
	return routes
}

func (h *handler) quoteUpload(w http.ResponseWriter, r *http.Request) {
	if limit := h.app.Upload.MaxFileSize(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, fmt.Errorf("%w: request exceeds %d bytes", apperrors.ErrFileTooLarge, tooBig.Limit))
			return
		}
		writeError(w, apperrors.Validationf("multipart field \"file\" is required: %v", err))
		return
	}
	defer file.Close()

	contentType := r.FormValue("content_type")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}
	if contentType == "application/octet-stream" {
		// browsers send this for anything unknown; let the name decide
		contentType = ""
	}

	job, err := h.app.Upload.Quote(r.Context(), service.FileInput{
		Name:        header.Filename,
		ContentType: contentType,
		Body:        file,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicJob(job))
}

func (h *handler) confirmUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.app.Locks.TryLock(id) {
		writeError(w, fmt.Errorf("%w: job %s is being advanced", apperrors.ErrStaleState, id))
		return
	}
	defer h.app.Locks.Unlock(id)

	job, err := h.app.Upload.Confirm(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicJob(job))
}

type downloadRequest struct {
	ManifestTxID string `json:"manifest_txid"`
}

func (h *handler) submitDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, apperrors.Validationf("invalid request body: %v", err))
		return
	}
	job, err := h.app.Download.Submit(r.Context(), req.ManifestTxID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, publicJob(job))
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, apperrors.Validationf("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := h.app.Jobs.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, publicJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.app.Jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicJob(job))
}

func (h *handler) retrieveFile(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Download.Retrieve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.FileName}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		log.Warnf("Failed to send file: %v", err)
	}
}

// devFund pays a job's amount due on the in-memory chain.
func (h *handler) devFund(w http.ResponseWriter, r *http.Request) {
	job, err := h.app.Jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if job.Kind != domain.KindUpload || job.PaymentAddress == "" {
		writeError(w, apperrors.Validationf("job %s has no payment address", job.ID))
		return
	}
	op, err := h.app.DevChain.Fund(job.PaymentAddress, job.AmountDue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// jobView is a job as the API shows it, with chunk progress spelled out.
type jobView struct {
	domain.Job
	ChunksDone  int `json:"chunks_done"`
	ChunksTotal int `json:"chunks_total"`
}

// publicJob drops internal bookkeeping from a job before it leaves the process.
func publicJob(j domain.Job) jobView {
	j.StagingRef = ""
	j.ResultRef = ""
	j.Funding = nil
	j.ManifestPayload = nil
	return jobView{Job: j, ChunksDone: j.CompletedChunks(), ChunksTotal: j.ChunkCount}
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrResultGone):
		return http.StatusGone
	case errors.Is(err, apperrors.ErrIllegalTransition), errors.Is(err, apperrors.ErrStaleState):
		return http.StatusConflict
	case apperrors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to encode response: %v", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("api")
	})
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/k11v/apkbuild/docs"
	"github.com/k11v/apkbuild/internal/app/apphttp"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/metrics"
	"github.com/k11v/apkbuild/internal/notify"
	"github.com/k11v/apkbuild/internal/usage"
)

const (
	headerAuthorization = "Authorization"
	queryAccessToken    = "access_token"

	maxRequestBodySize = 1 << 20
)

type handler struct {
	mux *http.ServeMux

	config    *Config
	log       *slog.Logger
	builds    *build.Service
	usage     *usage.Service
	hub       *notify.Hub
	presigner Presigner
	recorder  metrics.Recorder
}

func newHandler(cfg *Config, log *slog.Logger, deps *Dependencies) *handler {
	mux := http.NewServeMux()
	h := &handler{
		mux:       mux,
		config:    cfg,
		log:       log,
		builds:    deps.Builds,
		usage:     deps.Usage,
		hub:       deps.Hub,
		presigner: deps.Presigner,
		recorder:  deps.Recorder,
	}
	if h.recorder == nil {
		h.recorder = metrics.NoopRecorder{}
	}

	if deps.Development {
		mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}
	if deps.Registry != nil {
		mux.Handle("GET /metrics", metrics.Handler(deps.Registry))
	}

	health := &apphttp.Handler{Checks: deps.HealthChecks}
	mux.HandleFunc("GET /health", health.GetHealth)

	mux.HandleFunc("POST /builds", h.CreateBuild)
	mux.HandleFunc("GET /builds", h.ListBuilds)
	mux.HandleFunc("GET /builds/{id}", h.GetBuild)
	mux.HandleFunc("GET /builds/{id}/watch", h.WatchBuild)
	mux.HandleFunc("GET /builds/{id}/download", h.DownloadBuild)
	if cfg.CompletionToken != "" {
		mux.HandleFunc("POST /builds/{id}/completion", h.CompleteBuild)
	}

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	h.mux.ServeHTTP(sw, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	h.recorder.ObserveHTTPRequest(route, sw.code(), time.Since(start).Seconds())
}

// Build is the JSON representation of a build.
type Build struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	URL              string     `json:"url"`
	AppName          string     `json:"appName"`
	Status           string     `json:"status"`
	DownloadURL      *string    `json:"downloadUrl,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	DownloadCount    int64      `json:"downloadCount"`
	ViewCount        int64      `json:"viewCount"`
	LastDownloadedAt *time.Time `json:"lastDownloadedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func buildFromDomain(b *build.Build) *Build {
	return &Build{
		ID:               b.ID,
		UserID:           b.OwnerID,
		URL:              b.SourceURL,
		AppName:          b.AppName,
		Status:           string(b.Status),
		DownloadURL:      b.DownloadURL,
		ErrorMessage:     b.ErrorMessage,
		DownloadCount:    b.DownloadCount,
		ViewCount:        b.ViewCount,
		LastDownloadedAt: b.LastDownloadedAt,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

// CreateBuild submits a build.
//
//	@Summary	Submit a build
//	@Tags		builds
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		createBuildRequest	true	"Build request"
//	@Success	200		{object}	createBuildResponse
//	@Failure	400		{object}	errorResponse
//	@Failure	401		{object}	errorResponse
//	@Failure	409		{object}	errorResponse
//	@Failure	500		{object}	errorResponse
//	@Router		/builds [post]
func (h *handler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	// Body
	var req createBuildRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", build.ErrInvalidRequest, err))
		return
	}

	// Header Authorization
	// A bad header is reported only after the fields are validated.
	credential, credentialErr := credentialFromHeader(r.Header)

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	b, err := h.builds.SubmitBuild(r.Context(), &build.SubmitBuildParams{
		Credential: credential,
		ID:         id,
		SourceURL:  strings.TrimSpace(req.URL),
		AppName:    strings.TrimSpace(req.AppName),
	})
	if errors.Is(err, build.ErrUnauthenticated) && credentialErr != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", build.ErrUnauthenticated, credentialErr))
		return
	} else if errors.Is(err, build.ErrDispatchRejected) || errors.Is(err, build.ErrDispatchUnreachable) {
		// The build exists and is failed, tell the client which one.
		h.writeErrorWithBuildID(w, r, err, id)
		return
	} else if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, &createBuildResponse{
		Success: true,
		Message: "Build triggered successfully",
		BuildID: b.ID,
		Status:  string(b.Status),
	})
}

type createBuildRequest struct {
	ID      string `json:"id,omitempty"` // generated when empty
	URL     string `json:"url"`
	AppName string `json:"appName"`
}

type createBuildResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	BuildID string `json:"buildId"`
	Status  string `json:"status"`
}

// ListBuilds lists the caller's builds.
//
//	@Summary	List builds, newest first
//	@Tags		builds
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	listBuildsResponse
//	@Failure	401	{object}	errorResponse
//	@Router		/builds [get]
func (h *handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	credential, err := credentialFromHeader(r.Header)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", build.ErrUnauthenticated, err))
		return
	}

	builds, err := h.builds.ListBuilds(r.Context(), &build.ListBuildsParams{Credential: credential})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := listBuildsResponse{Builds: make([]*Build, 0, len(builds))}
	for _, b := range builds {
		resp.Builds = append(resp.Builds, buildFromDomain(b))
	}
	writeJSON(w, http.StatusOK, &resp)
}

type listBuildsResponse struct {
	Builds []*Build `json:"builds"`
}

// GetBuild returns a build and counts a view.
//
//	@Summary	Get a build
//	@Tags		builds
//	@Produce	json
//	@Security	BearerAuth
//	@Param		id	path		string	true	"Build ID"
//	@Success	200	{object}	Build
//	@Failure	401	{object}	errorResponse
//	@Failure	403	{object}	errorResponse
//	@Failure	404	{object}	errorResponse
//	@Router		/builds/{id} [get]
func (h *handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	credential, err := credentialFromHeader(r.Header)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", build.ErrUnauthenticated, err))
		return
	}

	b, err := h.builds.GetBuild(r.Context(), &build.GetBuildParams{Credential: credential, ID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err = h.usage.RecordView(r.Context(), b.ID); err != nil {
		h.recorder.IncUsageWriteFailure("view")
	}

	writeJSON(w, http.StatusOK, buildFromDomain(b))
}

// DownloadBuild counts a download and redirects to the packaged application.
//
//	@Summary	Download a completed build
//	@Tags		builds
//	@Security	BearerAuth
//	@Param		id	path	string	true	"Build ID"
//	@Success	302
//	@Failure	401	{object}	errorResponse
//	@Failure	403	{object}	errorResponse
//	@Failure	404	{object}	errorResponse
//	@Failure	409	{object}	errorResponse
//	@Router		/builds/{id}/download [get]
func (h *handler) DownloadBuild(w http.ResponseWriter, r *http.Request) {
	credential, err := credentialFromRequest(r)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", build.ErrUnauthenticated, err))
		return
	}

	b, err := h.builds.GetBuild(r.Context(), &build.GetBuildParams{Credential: credential, ID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if b.Status != build.StatusCompleted || b.DownloadURL == nil {
		h.writeError(w, r, fmt.Errorf("%w: build is %s", build.ErrStatusConflict, b.Status))
		return
	}

	location := *b.DownloadURL
	if h.presigner != nil {
		location, err = h.presigner.URL(r.Context(), location)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	if err = h.usage.RecordDownload(r.Context(), b.ID, b.OwnerID); err != nil {
		h.recorder.IncUsageWriteFailure("download")
	}

	http.Redirect(w, r, location, http.StatusFound)
}

// CompleteBuild accepts the external builder's final report.
//
//	@Summary	Report a build outcome
//	@Tags		builds
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string					true	"Build ID"
//	@Param		body	body		completeBuildRequest	true	"Outcome"
//	@Success	200		{object}	Build
//	@Failure	400		{object}	errorResponse
//	@Failure	401		{object}	errorResponse
//	@Failure	404		{object}	errorResponse
//	@Failure	409		{object}	errorResponse
//	@Router		/builds/{id}/completion [post]
func (h *handler) CompleteBuild(w http.ResponseWriter, r *http.Request) {
	credential, err := credentialFromHeader(r.Header)
	if err != nil || !tokenEqual(credential, h.config.CompletionToken) {
		h.writeError(w, r, fmt.Errorf("%w: invalid completion token", build.ErrUnauthenticated))
		return
	}

	var req completeBuildRequest
	if err = decodeJSONBody(w, r, &req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", build.ErrInvalidRequest, err))
		return
	}
	status, known := build.ParseStatus(req.Status)
	if !known {
		h.writeError(w, r, fmt.Errorf("%w: unknown status %q", build.ErrInvalidRequest, req.Status))
		return
	}

	b, err := h.builds.CompleteBuild(r.Context(), &build.CompleteBuildParams{
		ID:           r.PathValue("id"),
		Status:       status,
		DownloadURL:  req.DownloadURL,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, buildFromDomain(b))
}

type completeBuildRequest struct {
	Status       string `json:"status"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: multiple top-level values")
	}
	return nil
}

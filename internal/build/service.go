package build

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	defaultDispatchTimeout = 30 * time.Second

	// GenericDispatchFailure is recorded when dispatch failed without a usable diagnostic.
	GenericDispatchFailure = "Failed to trigger build workflow"
	// GenericBuildFailure is recorded when the external builder reported a failure without a reason.
	GenericBuildFailure = "Build failed"
	// StaleBuildFailure is recorded when a pending build is swept.
	StaleBuildFailure = "Build was never dispatched"
)

type Config struct {
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT"` // default: 30s
}

func (c *Config) dispatchTimeout() time.Duration {
	if c == nil || c.DispatchTimeout <= 0 {
		return defaultDispatchTimeout
	}
	return c.DispatchTimeout
}

type Service struct {
	config     *Config    // required
	database   Database   // required
	dispatcher Dispatcher // required
	verifier   Verifier   // required
	recorder   Recorder
	log        *slog.Logger
}

// NewService creates a Service. recorder and log may be nil.
func NewService(config *Config, database Database, dispatcher Dispatcher, verifier Verifier, recorder Recorder, log *slog.Logger) *Service {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		config:     config,
		database:   database,
		dispatcher: dispatcher,
		verifier:   verifier,
		recorder:   recorder,
		log:        log.With(slog.String("service", "build")),
	}
}

// Authenticate returns the user ID behind credential.
// It returns an error matching ErrUnauthenticated if the credential is missing or invalid.
func (s *Service) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrUnauthenticated
	}
	userID, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrUnauthenticated)
	}
	return userID, nil
}

type SubmitBuildParams struct {
	Credential string // required
	ID         string // required
	SourceURL  string // required
	AppName    string // required
}

// SubmitBuild records a new build and dispatches it to the external builder.
//
// On success the returned build is in StatusBuilding.
// When dispatch fails the build is moved to StatusFailed before the error is returned,
// so the caller never observes a build left in StatusBuilding by this call.
func (s *Service) SubmitBuild(ctx context.Context, params *SubmitBuildParams) (*Build, error) {
	if err := validateSubmitBuildParams(params); err != nil {
		s.recorder.IncSubmission(OutcomeInvalid)
		return nil, fmt.Errorf("submit build: %w", err)
	}

	ownerID, err := s.Authenticate(ctx, params.Credential)
	if err != nil {
		s.recorder.IncSubmission(OutcomeUnauthenticated)
		return nil, fmt.Errorf("submit build: %w", err)
	}

	log := s.log.With(slog.String("build_id", params.ID), slog.String("owner_id", ownerID))

	b, err := s.database.CreateBuild(ctx, &DatabaseCreateBuildParams{
		ID:        params.ID,
		OwnerID:   ownerID,
		SourceURL: params.SourceURL,
		AppName:   params.AppName,
		Status:    StatusPending,
	})
	if err != nil {
		s.recorder.IncSubmission(outcomeForStoreError(err))
		return nil, fmt.Errorf("submit build: %w", err)
	}

	b, err = s.updateStatus(ctx, b.ID, StatusPending, StatusBuilding, nil, nil)
	if err != nil {
		// The record stays pending and is eventually swept.
		log.Error("failed to mark build as building", slog.Any("error", err))
		s.recorder.IncSubmission(outcomeForStoreError(err))
		return nil, fmt.Errorf("submit build: %w", err)
	}

	dispatchErr := s.dispatch(ctx, b)
	if dispatchErr == nil {
		log.Info("dispatched build")
		s.recorder.IncSubmission(OutcomeAccepted)
		return b, nil
	}

	log.Warn("failed to dispatch build", slog.Any("error", dispatchErr))
	if errors.Is(dispatchErr, ErrDispatchRejected) {
		s.recorder.IncSubmission(OutcomeRejected)
	} else {
		s.recorder.IncSubmission(OutcomeUnreachable)
	}

	// The request context may already be gone, the reconciliation write must still happen.
	message := dispatchFailureMessage(dispatchErr)
	_, err = s.updateStatus(context.WithoutCancel(ctx), b.ID, StatusBuilding, StatusFailed, nil, &message)
	if err != nil {
		log.Error("failed to mark build as failed", slog.Any("error", err))
		return nil, fmt.Errorf("submit build: %w", errors.Join(dispatchErr, err))
	}

	return nil, fmt.Errorf("submit build: %w", dispatchErr)
}

func (s *Service) dispatch(ctx context.Context, b *Build) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.dispatchTimeout())
	defer cancel()

	start := time.Now()
	err := s.dispatcher.Dispatch(ctx, &DispatchParams{
		BuildID:   b.ID,
		SourceURL: b.SourceURL,
		AppName:   b.AppName,
		OwnerID:   b.OwnerID,
	})
	seconds := time.Since(start).Seconds()

	switch {
	case err == nil:
		s.recorder.ObserveDispatch(seconds, OutcomeAccepted)
		return nil
	case errors.Is(err, ErrDispatchRejected):
		s.recorder.ObserveDispatch(seconds, OutcomeRejected)
		return err
	case errors.Is(err, ErrDispatchUnreachable):
		s.recorder.ObserveDispatch(seconds, OutcomeUnreachable)
		return err
	default:
		s.recorder.ObserveDispatch(seconds, OutcomeUnreachable)
		return fmt.Errorf("%w: %w", ErrDispatchUnreachable, err)
	}
}

func dispatchFailureMessage(err error) string {
	var rejectedErr *DispatchRejectedError
	if errors.As(err, &rejectedErr) {
		if d := strings.TrimSpace(rejectedErr.Diagnostic); d != "" {
			return d
		}
	}
	return GenericDispatchFailure
}

func outcomeForStoreError(err error) string {
	if errors.Is(err, ErrAlreadyExists) {
		return OutcomeInvalid
	}
	return OutcomeStoreError
}

type GetBuildParams struct {
	Credential string // required
	ID         string // required
}

// GetBuild returns the build if the caller owns it.
func (s *Service) GetBuild(ctx context.Context, params *GetBuildParams) (*Build, error) {
	if params.ID == "" {
		return nil, fmt.Errorf("get build: %w: empty id", ErrInvalidRequest)
	}

	userID, err := s.Authenticate(ctx, params.Credential)
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	b, err := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: params.ID})
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	if b.OwnerID != userID {
		return nil, fmt.Errorf("get build: %w", ErrAccessDenied)
	}

	return b, nil
}

type ListBuildsParams struct {
	Credential string // required
}

// ListBuilds returns the caller's builds, newest first.
func (s *Service) ListBuilds(ctx context.Context, params *ListBuildsParams) ([]*Build, error) {
	userID, err := s.Authenticate(ctx, params.Credential)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}

	builds, err := s.database.ListBuilds(ctx, &DatabaseListBuildsParams{OwnerID: userID})
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}

	slices.SortStableFunc(builds, func(a, b *Build) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return builds, nil
}

type CompleteBuildParams struct {
	ID           string // required
	Status       Status // required, StatusCompleted or StatusFailed
	DownloadURL  string // required when Status is StatusCompleted
	ErrorMessage string
}

// CompleteBuild records the external builder's final report.
//
// Redelivery of a report identical to the stored outcome succeeds without changing anything.
func (s *Service) CompleteBuild(ctx context.Context, params *CompleteBuildParams) (*Build, error) {
	if params.ID == "" {
		return nil, fmt.Errorf("complete build: %w: empty id", ErrInvalidRequest)
	}

	var downloadURL, errorMessage *string
	switch params.Status {
	case StatusCompleted:
		if err := validateURL(params.DownloadURL, "http", "https", "s3"); err != nil {
			return nil, fmt.Errorf("complete build: %w: download url: %w", ErrInvalidRequest, err)
		}
		downloadURL = &params.DownloadURL
	case StatusFailed:
		message := strings.TrimSpace(params.ErrorMessage)
		if message == "" {
			message = GenericBuildFailure
		}
		errorMessage = &message
	default:
		return nil, fmt.Errorf("complete build: %w: status %q is not a final status", ErrInvalidRequest, params.Status)
	}

	log := s.log.With(slog.String("build_id", params.ID), slog.String("status", string(params.Status)))

	b, err := s.updateStatus(ctx, params.ID, StatusBuilding, params.Status, downloadURL, errorMessage)
	if errors.Is(err, ErrStatusConflict) {
		current, getErr := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: params.ID})
		if getErr != nil {
			return nil, fmt.Errorf("complete build: %w", getErr)
		}
		if sameOutcome(current, params.Status, downloadURL, errorMessage) {
			log.Info("ignored redelivered completion")
			return current, nil
		}
		return nil, fmt.Errorf("complete build: %w: build is %s", err, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("complete build: %w", err)
	}

	log.Info("completed build")
	s.recorder.IncCompletion(params.Status)
	return b, nil
}

func sameOutcome(b *Build, status Status, downloadURL, errorMessage *string) bool {
	if b.Status != status {
		return false
	}
	switch status {
	case StatusCompleted:
		return b.DownloadURL != nil && *b.DownloadURL == *downloadURL
	case StatusFailed:
		return b.ErrorMessage != nil && *b.ErrorMessage == *errorMessage
	default:
		return false
	}
}

// SweepStaleBuilds fails pending builds created more than olderThan ago.
// It returns the number of builds it failed.
func (s *Service) SweepStaleBuilds(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.database.ListStaleBuilds(ctx, &DatabaseListStaleBuildsParams{
		Status:        StatusPending,
		CreatedBefore: time.Now().Add(-olderThan),
	})
	if err != nil {
		return 0, fmt.Errorf("sweep stale builds: %w", err)
	}

	message := StaleBuildFailure
	swept := 0
	var errs []error
	for _, b := range stale {
		_, err = s.updateStatus(ctx, b.ID, StatusPending, StatusFailed, nil, &message)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("swept stale build", slog.String("build_id", b.ID))
		swept++
	}

	if err = errors.Join(errs...); err != nil {
		return swept, fmt.Errorf("sweep stale builds: %w", err)
	}
	return swept, nil
}

func (s *Service) updateStatus(ctx context.Context, id string, from, to Status, downloadURL, errorMessage *string) (*Build, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrStatusConflict, from, to)
	}
	return s.database.UpdateBuild(ctx, &DatabaseUpdateBuildParams{
		ID:           id,
		ExpectStatus: &from,
		Status:       &to,
		DownloadURL:  downloadURL,
		ErrorMessage: errorMessage,
	})
}

func validateSubmitBuildParams(params *SubmitBuildParams) error {
	if strings.TrimSpace(params.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRequest)
	}
	if strings.TrimSpace(params.AppName) == "" {
		return fmt.Errorf("%w: empty app name", ErrInvalidRequest)
	}
	if strings.TrimSpace(params.SourceURL) == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidRequest)
	}
	if err := validateURL(params.SourceURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: url: %w", ErrInvalidRequest, err)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

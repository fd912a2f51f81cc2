package server

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/k11v/apkbuild/internal/build"
)

type errorResponse struct {
	Error   string `json:"error"`
	BuildID string `json:"buildId,omitempty"`
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, build.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, build.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, build.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, build.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, build.ErrAlreadyExists), errors.Is(err, build.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, build.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage returns the text shown to clients.
// Dispatch failures carry the builder's diagnostic, internal errors are hidden.
func errorMessage(err error, code int) string {
	rejected := (*build.DispatchRejectedError)(nil)
	if errors.As(err, &rejected) && rejected.Diagnostic != "" {
		return rejected.Diagnostic
	}
	switch {
	case errors.Is(err, build.ErrDispatchRejected), errors.Is(err, build.ErrDispatchUnreachable):
		return build.GenericDispatchFailure
	case code >= http.StatusInternalServerError:
		return http.StatusText(code)
	default:
		return err.Error()
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWithBuildID(w, r, err, "")
}

func (h *handler) writeErrorWithBuildID(w http.ResponseWriter, r *http.Request, err error, buildID string) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, code, &errorResponse{Error: errorMessage(err, code), BuildID: buildID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// credentialFromHeader returns the bearer token of the single Authorization header.
func credentialFromHeader(header http.Header) (string, error) {
	if err := checkHeaderCountIsOne(header, headerAuthorization); err != nil {
		return "", err
	}
	return bearerToken(header.Get(headerAuthorization))
}

// credentialFromRequest also accepts the access_token query parameter,
// which browsers need for WebSocket upgrades and plain download links.
func credentialFromRequest(r *http.Request) (string, error) {
	if len(r.Header.Values(headerAuthorization)) == 0 {
		if token := r.URL.Query().Get(queryAccessToken); token != "" {
			return token, nil
		}
	}
	return credentialFromHeader(r.Header)
}

func checkHeaderCountIsOne(header http.Header, key string) error {
	if got, want := len(header.Values(key)), 1; got != want {
		if got == 0 {
			return fmt.Errorf("missing %s request header", key)
		} else {
			return fmt.Errorf("multiple %s request headers", key)
		}
	}
	return nil
}

// bearerToken doesn't check for missing header or multiple headers.
func bearerToken(h string) (string, error) {
	scheme, params, _ := strings.Cut(h, " ")

	if scheme == "" {
		return "", errors.New("no scheme")
	}

	if got, want := scheme, "Bearer"; !strings.EqualFold(got, want) {
		return "", fmt.Errorf("got unsupported scheme %q, want %q", got, want)
	}

	token := strings.TrimSpace(params)
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func tokenEqual(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// statusWriter remembers the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

// Hijack lets WebSocket upgrades through.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if sw.status == 0 {
		sw.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

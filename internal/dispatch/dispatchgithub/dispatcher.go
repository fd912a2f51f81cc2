// Package dispatchgithub starts builds through a GitHub Actions workflow_dispatch event.
package dispatchgithub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/k11v/apkbuild/internal/build"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultRef     = "main"
	apiVersion     = "2022-11-28"

	// maxDiagnosticSize bounds how much of an error response is read.
	maxDiagnosticSize = 64 << 10
)

type Config struct {
	BaseURL  string `env:"BASE_URL"` // default: https://api.github.com
	Repo     string `env:"REPO"`     // owner/name
	Workflow string `env:"WORKFLOW"` // file name or ID
	Ref      string `env:"REF"`      // default: main
	Token    string `env:"TOKEN,unset"`
}

func (c *Config) baseURL() string {
	if c.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimSuffix(c.BaseURL, "/")
}

func (c *Config) ref() string {
	if c.Ref == "" {
		return defaultRef
	}
	return c.Ref
}

type Dispatcher struct {
	config     *Config      // required
	httpClient *http.Client // required
}

var _ build.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. The per-call deadline comes from the context,
// the client timeout only guards against a missing one.
func NewDispatcher(config *Config, httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Dispatcher{config: config, httpClient: httpClient}
}

type dispatchRequest struct {
	Ref    string         `json:"ref"`
	Inputs dispatchInputs `json:"inputs"`
}

type dispatchInputs struct {
	URL     string `json:"url"`
	UserID  string `json:"userId"`
	AppName string `json:"appName"`
	BuildID string `json:"buildId"`
}

// Dispatch implements build.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, params *build.DispatchParams) error {
	body, err := json.Marshal(dispatchRequest{
		Ref: d.config.ref(),
		Inputs: dispatchInputs{
			URL:     params.SourceURL,
			UserID:  params.OwnerID,
			AppName: params.AppName,
			BuildID: params.BuildID,
		},
	})
	if err != nil {
		return fmt.Errorf("dispatchgithub: %w", err)
	}

	endpoint := fmt.Sprintf(
		"%s/repos/%s/actions/workflows/%s/dispatches",
		d.config.baseURL(),
		d.config.Repo,
		url.PathEscape(d.config.Workflow),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatchgithub: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "apkbuild")
	if d.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.config.Token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatchgithub: %w: %w", build.ErrDispatchUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDiagnosticSize))
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticSize))
	return fmt.Errorf("dispatchgithub: %w", &build.DispatchRejectedError{
		StatusCode: resp.StatusCode,
		Diagnostic: diagnostic(data),
	})
}

// diagnostic extracts the message field of a GitHub error body,
// falling back to the trimmed body text.
func diagnostic(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}

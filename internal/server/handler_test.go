package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/k11v/apkbuild/internal/auth"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/build/buildmem"
	"github.com/k11v/apkbuild/internal/notify"
	"github.com/k11v/apkbuild/internal/usage"
)

const testCompletionToken = "completion-secret"

type StubDispatcher struct {
	Err error
}

func (d *StubDispatcher) Dispatch(ctx context.Context, params *build.DispatchParams) error {
	return d.Err
}

type testEnv struct {
	server     *httptest.Server
	database   *buildmem.Database
	dispatcher *StubDispatcher
	hub        *notify.Hub
	signer     *auth.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	authConfig := &auth.Config{}

	log := slog.New(slog.DiscardHandler)
	database := buildmem.New()
	dispatcher := &StubDispatcher{}
	hub := notify.NewHub(database, log)
	database.OnChange(hub.Publish)

	deps := &Dependencies{
		Builds: build.NewService(&build.Config{}, database, dispatcher, auth.NewVerifier(authConfig, pub), nil, log),
		Usage:  usage.NewService(database, database, log),
		Hub:    hub,
	}
	cfg := &Config{CompletionToken: testCompletionToken, WatchPingInterval: time.Hour}

	server := httptest.NewServer(newHandler(cfg, log, deps))
	t.Cleanup(server.Close)

	return &testEnv{
		server:     server,
		database:   database,
		dispatcher: dispatcher,
		hub:        hub,
		signer:     auth.NewSigner(authConfig, priv),
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.signer.Sign(userID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return v
}

func TestCreateBuild(t *testing.T) {
	tests := []struct {
		name     string
		token    bool
		body     string
		dispatch error
		wantCode int
	}{
		{"valid", true, `{"id":"b1","url":"https://example.com","appName":"Demo"}`, nil, http.StatusOK},
		{"missing token", false, `{"id":"b1","url":"https://example.com","appName":"Demo"}`, nil, http.StatusUnauthorized},
		{"missing token and url", false, `{"id":"b1","appName":"Demo"}`, nil, http.StatusBadRequest},
		{"missing token and malformed body", false, `{"id":`, nil, http.StatusBadRequest},
		{"missing url", true, `{"id":"b1","appName":"Demo"}`, nil, http.StatusBadRequest},
		{"bad url", true, `{"id":"b1","url":"not a url","appName":"Demo"}`, nil, http.StatusBadRequest},
		{"unknown field", true, `{"id":"b1","url":"https://example.com","appName":"Demo","x":1}`, nil, http.StatusBadRequest},
		{"rejected", true, `{"id":"b1","url":"https://example.com","appName":"Demo"}`, &build.DispatchRejectedError{StatusCode: 422, Diagnostic: "quota exceeded"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.dispatcher.Err = tt.dispatch

			token := ""
			if tt.token {
				token = env.token(t, "u1")
			}
			resp := env.do(t, http.MethodPost, "/builds", token, tt.body)
			if got, want := resp.StatusCode, tt.wantCode; got != want {
				t.Fatalf("got %d, want %d", got, want)
			}
		})
	}
}

func TestCreateBuildResponse(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/builds", env.token(t, "u1"), `{"url":"https://example.com","appName":"Demo"}`)
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	body := decode[createBuildResponse](t, resp)
	if !body.Success {
		t.Fatalf("got success false, want true")
	}
	if body.BuildID == "" {
		t.Fatalf("got empty buildId, want generated")
	}
	if got, want := body.Status, string(build.StatusBuilding); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCreateBuildRejected(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Err = &build.DispatchRejectedError{StatusCode: 422, Diagnostic: "quota exceeded"}

	resp := env.do(t, http.MethodPost, "/builds", env.token(t, "u1"), `{"id":"b1","url":"https://example.com","appName":"Demo"}`)
	body := decode[errorResponse](t, resp)
	if got, want := body.Error, "quota exceeded"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := body.BuildID, "b1"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	b, err := env.database.GetBuild(context.Background(), &build.DatabaseGetBuildParams{ID: "b1"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := b.Status, build.StatusFailed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCreateBuildDuplicate(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")
	body := `{"id":"b1","url":"https://example.com","appName":"Demo"}`

	_ = env.do(t, http.MethodPost, "/builds", token, body)
	resp := env.do(t, http.MethodPost, "/builds", token, body)
	if got, want := resp.StatusCode, http.StatusConflict; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestGetBuild(t *testing.T) {
	env := newTestEnv(t)
	_ = env.do(t, http.MethodPost, "/builds", env.token(t, "u1"), `{"id":"b1","url":"https://example.com","appName":"Demo"}`)

	t.Run("owner", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/builds/b1", env.token(t, "u1"), "")
		if got, want := resp.StatusCode, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		b := decode[Build](t, resp)
		if got, want := b.UserID, "u1"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := b.ViewCount, int64(0); got != want {
			t.Fatalf("got view count %d in response, want %d", got, want)
		}

		stored, err := env.database.GetBuild(context.Background(), &build.DatabaseGetBuildParams{ID: "b1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := stored.ViewCount, int64(1); got != want {
			t.Fatalf("got view count %d, want %d", got, want)
		}
	})

	t.Run("other user", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/builds/b1", env.token(t, "u2"), "")
		if got, want := resp.StatusCode, http.StatusForbidden; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("missing", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/builds/nope", env.token(t, "u1"), "")
		if got, want := resp.StatusCode, http.StatusNotFound; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestListBuilds(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.token(t, "u1")
	_ = env.do(t, http.MethodPost, "/builds", u1, `{"id":"b1","url":"https://example.com","appName":"One"}`)
	_ = env.do(t, http.MethodPost, "/builds", u1, `{"id":"b2","url":"https://example.com","appName":"Two"}`)
	_ = env.do(t, http.MethodPost, "/builds", env.token(t, "u2"), `{"id":"b3","url":"https://example.com","appName":"Three"}`)

	resp := env.do(t, http.MethodGet, "/builds", u1, "")
	body := decode[listBuildsResponse](t, resp)
	if got, want := len(body.Builds), 2; got != want {
		t.Fatalf("got %d builds, want %d", got, want)
	}
	for _, b := range body.Builds {
		if b.UserID != "u1" {
			t.Fatalf("got build of %q, want only u1", b.UserID)
		}
	}
}

func TestCompleteAndDownload(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.token(t, "u1")
	_ = env.do(t, http.MethodPost, "/builds", u1, `{"id":"b1","url":"https://example.com","appName":"Demo"}`)

	resp := env.do(t, http.MethodGet, "/builds/b1/download", u1, "")
	if got, want := resp.StatusCode, http.StatusConflict; got != want {
		t.Fatalf("got %d before completion, want %d", got, want)
	}

	resp = env.do(t, http.MethodPost, "/builds/b1/completion", "wrong", `{"status":"completed","downloadUrl":"https://cdn.example.com/b1.apk"}`)
	if got, want := resp.StatusCode, http.StatusUnauthorized; got != want {
		t.Fatalf("got %d with wrong token, want %d", got, want)
	}

	resp = env.do(t, http.MethodPost, "/builds/b1/completion", testCompletionToken, `{"status":"completed","downloadUrl":"https://cdn.example.com/b1.apk"}`)
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}

	resp = env.do(t, http.MethodGet, "/builds/b1/download", u1, "")
	if got, want := resp.StatusCode, http.StatusFound; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if got, want := resp.Header.Get("Location"), "https://cdn.example.com/b1.apk"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	b, err := env.database.GetBuild(context.Background(), &build.DatabaseGetBuildParams{ID: "b1"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := b.DownloadCount, int64(1); got != want {
		t.Fatalf("got download count %d, want %d", got, want)
	}
	if got, want := env.database.TotalDownloads("u1"), int64(1); got != want {
		t.Fatalf("got total downloads %d, want %d", got, want)
	}
}

func TestWatchBuild(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.token(t, "u1")
	_ = env.do(t, http.MethodPost, "/builds", u1, `{"id":"b1","url":"https://example.com","appName":"Demo"}`)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/builds/b1/watch?access_token=" + u1
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Build
	if err = conn.ReadJSON(&first); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := first.Status, string(build.StatusBuilding); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	_ = env.do(t, http.MethodPost, "/builds/b1/completion", testCompletionToken, `{"status":"failed","errorMessage":"gradle failed"}`)

	var last Build
	for last.Status != string(build.StatusFailed) {
		if err = conn.ReadJSON(&last); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}
	if last.ErrorMessage == nil || *last.ErrorMessage != "gradle failed" {
		t.Fatalf("got %v, want gradle failed", last.ErrorMessage)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("got %v, want normal closure", err)
	}
}

func TestWatchBuildDenied(t *testing.T) {
	env := newTestEnv(t)
	_ = env.do(t, http.MethodPost, "/builds", env.token(t, "u1"), `{"id":"b1","url":"https://example.com","appName":"Demo"}`)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/builds/b1/watch?access_token=" + env.token(t, "u2")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("got nil error, want handshake failure")
	}
	if got, want := resp.StatusCode, http.StatusForbidden; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := bearerToken(tt.header)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: got error %v, want error %v", tt.header, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("%q: got %q, want %q", tt.header, got, tt.want)
		}
	}
}

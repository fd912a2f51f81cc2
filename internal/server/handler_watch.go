package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/k11v/apkbuild/internal/build"
)

// WatchBuild streams build snapshots over a WebSocket.
// The connection closes after a terminal snapshot has been sent.
//
//	@Summary	Watch a build
//	@Tags		builds
//	@Security	BearerAuth
//	@Param		id				path	string	true	"Build ID"
//	@Param		access_token	query	string	false	"Token for clients that cannot set headers"
//	@Success	101
//	@Failure	401	{object}	errorResponse
//	@Failure	403	{object}	errorResponse
//	@Failure	404	{object}	errorResponse
//	@Router		/builds/{id}/watch [get]
func (h *handler) WatchBuild(w http.ResponseWriter, r *http.Request) {
	credential, err := credentialFromRequest(r)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", build.ErrUnauthenticated, err))
		return
	}

	// Access is checked before upgrading so failures get a normal HTTP status.
	b, err := h.builds.GetBuild(r.Context(), &build.GetBuildParams{Credential: credential, ID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		h.log.Debug("watch upgrade failed", slog.String("build", b.ID), slog.Any("error", err))
		return
	}
	defer conn.Close()

	log := h.log.With(slog.String("build", b.ID))

	sub, err := h.hub.Subscribe(r.Context(), b.ID)
	if err != nil {
		log.Error("watch subscribe failed", slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(h.config.watchWriteTimeout()))
		return
	}
	defer sub.Close()

	// The reader only handles control frames and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.config.watchPingInterval())
	defer ping.Stop()

	for {
		select {
		case snapshot, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.watchWriteTimeout()))
			if err = conn.WriteJSON(buildFromDomain(snapshot)); err != nil {
				log.Debug("watch write failed", slog.Any("error", err))
				return
			}
			if snapshot.Status.Terminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snapshot.Status)),
					time.Now().Add(h.config.watchWriteTimeout()))
				return
			}
		case <-ping.C:
			if err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.watchWriteTimeout())); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// checkOrigin allows same-host requests and the configured origins.
func (h *handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.config.WatchOrigins, "*") || slices.Contains(h.config.WatchOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

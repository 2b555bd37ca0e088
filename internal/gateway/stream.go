package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	streamSubprotocol = "agentbox-stream-v1"
	firstFrameTimeout = 10 * time.Second
	frameWriteTimeout = 10 * time.Second
)

// streamHandler serves GET /v1/stream. The client sends one QueryRequest
// frame and receives a StreamEvent frame per message, then "done" or
// "error". Closing the socket stops the session.
func (g *Gateway) streamHandler(base context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := g.identify(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{streamSubprotocol},
		})
		if err != nil {
			g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(base, cancel)
		defer stop()

		var req QueryRequest
		readCtx, readCancel := context.WithTimeout(ctx, firstFrameTimeout)
		err = wsjson.Read(readCtx, conn, &req)
		readCancel()
		if err != nil {
			g.logger.Warn("reading stream request", slog.String("error", err.Error()))
			_ = conn.Close(websocket.StatusPolicyViolation, "expected a query frame")
			return
		}
		if req.Prompt == "" {
			_ = conn.Close(websocket.StatusPolicyViolation, "prompt is required")
			return
		}

		release, _, err := g.admit(userID)
		if err != nil {
			_ = conn.Close(websocket.StatusTryAgainLater, err.Error())
			return
		}
		defer release()

		// Any further frame from the client, or its close, cancels the session.
		ctx = conn.CloseRead(ctx)

		correlationID := uuid.NewString()
		g.logger.Info("gateway stream",
			slog.String("user_id", userID),
			slog.String("correlation_id", correlationID),
		)

		g.stream(ctx, req, correlationID, func(ev StreamEvent) error {
			wctx, wcancel := context.WithTimeout(ctx, frameWriteTimeout)
			defer wcancel()
			return wsjson.Write(wctx, conn, ev)
		})
		_ = conn.Close(websocket.StatusNormalClosure, "session finished")
	})
}

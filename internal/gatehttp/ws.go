package gatehttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arthiv/sessiongate/internal/admission"
	"github.com/arthiv/sessiongate/internal/log"
)

const (
	wsBufferSize       = 1024
	maxWSMessageSize   = 64 * 1024
	wsCloseGracePeriod = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	// Device-scoped admission is the access control here; the socket carries
	// no cookies or ambient credentials, so cross-origin dials are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serverEvent is the envelope for everything the server pushes down a session
// socket.
type serverEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// sessionSocketHandler serves GET /ws/session. The device cap is enforced
// before the upgrade so rejected clients get a regular 429 JSON response
// instead of a half-open socket.
// sessionParams resolves the session identity from the upgrade request:
// a caller-supplied session_id or a fresh uuid, and user_id defaulting to
// "anonymous".
func sessionParams(r *http.Request) (sessionID, userID string) {
	sessionID = r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID = r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}
	return sessionID, userID
}

func sessionSocketHandler(opts *Options) http.HandlerFunc {
	guard := opts.Guard

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		key, err := guard.AdmitSession(r)
		var limitErr *admission.SessionLimitError
		if errors.As(err, &limitErr) {
			L.Warn(ctx, "session rejected by device cap",
				"device_key", key,
				"current_sessions", limitErr.Current,
				"max_sessions", limitErr.Max,
			)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(guard.RateLimitPayload(key))
			return
		}

		sessionID, userID := sessionParams(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			L.Warn(ctx, "websocket upgrade failed", "error", err.Error())
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxWSMessageSize)

		// Re-validate the cap atomically now that the session ID is known. A
		// concurrent upgrade from the same device may have taken the last
		// slot between AdmitSession and here.
		if !guard.RegisterSession(key, sessionID, userID) {
			payload := guard.RateLimitPayload(key)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, payload.Message),
				time.Now().Add(wsCloseGracePeriod),
			)
			return
		}
		if opts.OnSessionRegistered != nil {
			opts.OnSessionRegistered()
		}
		L.Info(ctx, "session registered", "device_key", key, "session_id", sessionID)

		defer func() {
			guard.ReleaseSession(key, sessionID)
			if opts.OnSessionReleased != nil {
				opts.OnSessionReleased()
			}
			L.Info(ctx, "session released", "device_key", key, "session_id", sessionID)
		}()

		if err := conn.WriteJSON(serverEvent{Type: "connected", SessionID: sessionID}); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					L.Warn(ctx, "session closed abnormally", "session_id", sessionID, "error", err.Error())
				}
				return
			}

			guard.TouchSession(key, sessionID)

			// In-session traffic shares the device's request budget.
			if !guard.AllowRequest(key) {
				payload := guard.RateLimitPayload(key)
				if err := conn.WriteJSON(serverEvent{
					Type:    "error",
					Error:   payload.Error,
					Message: payload.Message,
				}); err != nil {
					return
				}
				continue
			}

			if err := conn.WriteJSON(serverEvent{Type: "ack", SessionID: sessionID, Bytes: len(msg)}); err != nil {
				return
			}
		}
	}
}

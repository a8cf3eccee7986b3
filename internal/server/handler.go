package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	syncerrors "github.com/nthall/editsync/internal/errors"
	"github.com/nthall/editsync/internal/store"
)

// serverReadLimit bounds incoming request frames. Write requests carry
// whole session payloads, so the limit is generous; oversized sessions
// are additionally rejected by the store's own payload limit.
const serverReadLimit = 64 * 1024 * 1024

// SessionHandler serves the store wire protocol over a WebSocket
// connection. Each connection is an independent request/response loop;
// all connections share the same backing store, which serializes its
// own writes.
type SessionHandler struct {
	store  *store.Bolt
	logger *slog.Logger
}

// NewSessionHandler builds a handler backed by the given store.
func NewSessionHandler(st *store.Bolt, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{store: st, logger: logger}
}

// ServeHTTP upgrades the connection and runs the request loop until
// the client disconnects.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))

		return
	}
	conn.SetReadLimit(serverReadLimit)
	defer conn.Close(websocket.StatusInternalError, "closing")

	h.logger.Debug("store client connected", slog.String("remote", r.RemoteAddr))

	ctx := r.Context()
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.logger.Debug("store client disconnected", slog.String("remote", r.RemoteAddr))
			} else if ctx.Err() == nil {
				h.logger.Warn("store connection read failed",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
			}

			return
		}

		resp := h.dispatch(ctx, typ, raw)

		data, err := json.Marshal(resp)
		if err != nil {
			h.logger.Error("encoding response failed", slog.String("error", err.Error()))

			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("store connection write failed",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
			}

			return
		}
	}
}

// dispatch handles one request frame and always produces a response,
// mapping store errors to distinguished wire codes.
func (h *SessionHandler) dispatch(ctx context.Context, typ websocket.MessageType, raw []byte) store.Response {
	if typ != websocket.MessageText {
		return errorResponse("", "binary frames are not supported")
	}

	var req store.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse("", "malformed request frame")
	}

	switch req.Op {
	case store.OpWrite:
		ref, err := h.store.Write(ctx, req.Payload)
		if err != nil {
			h.logger.Warn("session write failed", slog.String("error", err.Error()))

			return storeError(err)
		}
		h.logger.Info("session stored",
			slog.String("ref", ref),
			slog.Int("bytes", len(req.Payload)),
		)

		return store.Response{Res: store.ResOK, Ref: ref}

	case store.OpRead:
		payload, resolved, err := h.store.Read(ctx, req.Ref)
		if err != nil {
			return storeError(err)
		}
		h.logger.Debug("session read", slog.String("ref", resolved))

		return store.Response{Res: store.ResOK, Ref: resolved, Payload: payload}

	case store.OpDelete:
		if err := h.store.Delete(ctx, req.Ref); err != nil {
			return storeError(err)
		}
		h.logger.Info("session deleted", slog.String("ref", req.Ref))

		return store.Response{Res: store.ResOK, Ref: req.Ref}

	default:
		return errorResponse("", "unknown operation: "+req.Op)
	}
}

// storeError maps a store error to its wire code.
func storeError(err error) store.Response {
	switch {
	case errors.Is(err, syncerrors.ErrSessionNotFound):
		return errorResponse(store.CodeNotFound, "session not found")
	case errors.Is(err, syncerrors.ErrPayloadTooLarge):
		return errorResponse(store.CodeTooLarge, err.Error())
	default:
		return errorResponse("", err.Error())
	}
}

func errorResponse(code, message string) store.Response {
	return store.Response{Res: store.ResError, Code: code, Message: message}
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	syncerrors "github.com/nthall/editsync/internal/errors"
)

// clientReadLimit bounds response frames. Sessions carry whole file
// contents, so the limit is generous.
const clientReadLimit = 64 * 1024 * 1024

// Client is a session store backed by a remote store server over a
// WebSocket connection. Requests are strictly serialized: the protocol
// is request/response with no interleaving, so a mutex spans each
// round trip.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu sync.Mutex
}

// Dial connects to a store server. token is sent as a Bearer credential
// during the handshake; pass "" for servers with auth disabled.
func Dial(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, syncerrors.ErrUnauthorized
		}
		return nil, fmt.Errorf("dialing store %s: %w", url, err)
	}
	conn.SetReadLimit(clientReadLimit)

	logger.Debug("connected to session store", slog.String("url", url))
	return &Client{conn: conn, logger: logger}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "done")
}

// Write persists a session payload and returns its reference.
func (c *Client) Write(ctx context.Context, payload []byte) (string, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpWrite, Payload: payload})
	if err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", fmt.Errorf("write returned no reference: %w", syncerrors.ErrStoreResponse)
	}
	return resp.Ref, nil
}

// Read fetches a session payload by reference, or the latest when ref
// is empty.
func (c *Client) Read(ctx context.Context, ref string) ([]byte, string, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpRead, Ref: ref})
	if err != nil {
		return nil, "", err
	}
	return resp.Payload, resp.Ref, nil
}

// Delete removes a session by reference.
func (c *Client) Delete(ctx context.Context, ref string) error {
	_, err := c.roundTrip(ctx, Request{Op: OpDelete, Ref: ref})
	return err
}

// roundTrip sends one request and reads its response.
func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.Op, syncerrors.ErrStoreRequest, err)
	}

	typ, raw, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.Op, syncerrors.ErrStoreRequest, err)
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%s: binary frame: %w", req.Op, syncerrors.ErrStoreResponse)
	}

	// Probe the result field before unmarshalling so malformed error
	// frames still map to a useful error.
	switch gjson.GetBytes(raw, "res").Str {
	case ResOK:
	case ResError:
		return nil, c.responseError(req.Op, raw)
	default:
		return nil, fmt.Errorf("%s: %w", req.Op, syncerrors.ErrStoreResponse)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", req.Op, err)
	}
	return &resp, nil
}

// responseError maps a distinguished error code to its sentinel.
func (c *Client) responseError(op string, raw []byte) error {
	code := gjson.GetBytes(raw, "code").Str
	msg := gjson.GetBytes(raw, "message").Str

	switch code {
	case CodeNotFound:
		return syncerrors.ErrSessionNotFound
	case CodeTooLarge:
		return syncerrors.ErrPayloadTooLarge
	case CodeUnauthorized:
		return syncerrors.ErrUnauthorized
	default:
		c.logger.Debug("store error response",
			slog.String("op", op),
			slog.String("code", code),
			slog.String("message", msg),
		)
		return fmt.Errorf("%s: %w: %s", op, syncerrors.ErrStoreRequest, msg)
	}
}

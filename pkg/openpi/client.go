// Package openpi speaks the msgpack-over-websocket protocol of an openpi
// inference server. The wire format matches what numpy-based peers expect:
// one binary frame per request, one per response, arrays encoded with the
// msgpack-numpy map convention.
package openpi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// ServerError is a failure reported by the inference server itself,
// delivered as a text frame carrying its traceback.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "inference server error: " + e.Message
}

// Client is a connection to one openpi policy server. One request is in
// flight at a time and the connection persists across calls; on a transport
// failure a call reconnects and retries once before giving up.
//
// Not safe for concurrent use.
type Client struct {
	url    string
	apiKey string
	conn   *websocket.Conn
	meta   Message
}

// Dial connects to ws://host:port and waits for the server's metadata
// frame. It retries with exponential backoff while the server is still
// coming up, until ctx expires.
func Dial(ctx context.Context, host string, port int, apiKey string) (*Client, error) {
	c := &Client{
		url:    fmt.Sprintf("ws://%s:%d", host, port),
		apiKey: apiKey,
	}

	attempt := func() error {
		err := c.connect(ctx)
		if err != nil {
			log.Debug().Err(err).Str("url", c.url).Msg("policy server not ready yet")
		}
		return err
	}
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.url, err)
	}

	log.Info().Str("url", c.url).Msg("connected to policy server")
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	var header http.Header
	if c.apiKey != "" {
		header = http.Header{"Authorization": []string{"Api-Key " + c.apiKey}}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}

	// The server's first frame is its metadata map.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read server metadata: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	meta, err := decodeMessage(data)
	if err != nil {
		conn.Close()
		return fmt.Errorf("decode server metadata: %w", err)
	}
	if m, ok := meta.(Message); ok {
		c.meta = m
	}

	c.conn = conn
	return nil
}

// Metadata returns the map the server sent on connect.
func (c *Client) Metadata() Message { return c.meta }

// Infer sends one observation and blocks for exactly one response. The
// context deadline bounds the whole exchange. A text frame from the server
// is returned as *ServerError; transport failures are returned as-is after
// one reconnect-and-retry.
func (c *Client) Infer(ctx context.Context, obs map[string]any) (Message, error) {
	payload, err := msgpack.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}

	msg, err := c.exchange(ctx, payload)
	if err == nil {
		return msg, nil
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return nil, err
	}

	// Transport failure: reconnect once and retry the call. Inference is
	// pure, so a duplicate request is harmless.
	log.Warn().Err(err).Msg("inference call failed, reconnecting")
	c.closeConn()
	if rerr := c.connect(ctx); rerr != nil {
		return nil, err
	}
	return c.exchange(ctx, payload)
}

func (c *Client) exchange(ctx context.Context, payload []byte) (Message, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	// A zero deadline clears any previous one.
	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return nil, fmt.Errorf("send observation: %w", err)
	}

	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if msgType == websocket.TextMessage {
		return nil, &ServerError{Message: string(data)}
	}

	decoded, err := decodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	msg, ok := decoded.(Message)
	if !ok {
		return nil, fmt.Errorf("response is %T, want a map", decoded)
	}
	return msg, nil
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts the connection down, telling the server first.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

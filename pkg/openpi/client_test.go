package openpi

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// startPolicyServer runs an in-process stand-in for an inference server.
// Every accepted connection gets the metadata frame, then handle drives it.
func startPolicyServer(t *testing.T, handle func(*websocket.Conn)) (host string, port int) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		meta, err := msgpack.Marshal(map[string]any{"policy": "test-policy"})
		if err != nil {
			t.Errorf("marshal metadata: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, meta); err != nil {
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	addr := strings.TrimPrefix(srv.URL, "http://")
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("parse server addr %q: %v", addr, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parse server port %q: %v", p, err)
	}
	return h, port
}

// drain keeps the connection open until the client hangs up.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestDial_ReadsMetadata(t *testing.T) {
	host, port := startPolicyServer(t, drain)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, host, port, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := c.Metadata()["policy"]; got != "test-policy" {
		t.Errorf("metadata policy = %v, want test-policy", got)
	}
}

func TestDial_GivesUpWhenServerNeverAppears(t *testing.T) {
	// Grab a port and close it again so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if _, err := Dial(ctx, "127.0.0.1", port, ""); err == nil {
		t.Fatal("Dial should fail once the connect budget is spent")
	}
}

func TestInfer(t *testing.T) {
	var gotObs any
	host, port := startPolicyServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotObs, _ = decodeMessage(data)

		resp, _ := msgpack.Marshal(map[string]any{
			"actions": Float32ND([]float64{10, 20, 30}),
		})
		conn.WriteMessage(websocket.BinaryMessage, resp)
		drain(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, host, port, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	msg, err := c.Infer(ctx, map[string]any{
		"prompt":            "pick up the block",
		"observation/state": Float32ND([]float64{1, 2, 3, 4, 5, 6}),
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	nd, ok := msg["actions"].(NDArray)
	if !ok {
		t.Fatalf("actions is %T, want NDArray", msg["actions"])
	}
	vals, err := nd.Floats()
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	if len(vals) != 3 || vals[0] != 10 {
		t.Errorf("actions = %v, want [10 20 30]", vals)
	}

	// The server must have seen the observation with its arrays intact.
	obs, ok := gotObs.(Message)
	if !ok {
		t.Fatalf("server decoded %T, want Message", gotObs)
	}
	if obs["prompt"] != "pick up the block" {
		t.Errorf("server prompt = %v", obs["prompt"])
	}
	if state, ok := obs["observation/state"].(NDArray); !ok || state.Len() != 6 {
		t.Errorf("server state = %#v, want 6-element NDArray", obs["observation/state"])
	}
}

func TestInfer_ServerErrorTextFrame(t *testing.T) {
	host, port := startPolicyServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("Error in inference server:\nboom"))
		drain(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, host, port, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Infer(ctx, map[string]any{"prompt": "x"})
	srvErr, ok := err.(*ServerError)
	if !ok {
		t.Fatalf("Infer error = %v (%T), want *ServerError", err, err)
	}
	if !strings.Contains(srvErr.Message, "boom") {
		t.Errorf("server error message = %q, want it to carry the traceback", srvErr.Message)
	}
}

func TestInfer_ReconnectsOnceAndRetries(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	host, port := startPolicyServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n == 1 {
			// Drop the connection after the request arrives.
			conn.ReadMessage()
			return
		}

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		resp, _ := msgpack.Marshal(map[string]any{
			"actions": Float32ND([]float64{7}),
		})
		conn.WriteMessage(websocket.BinaryMessage, resp)
		drain(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, host, port, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	msg, err := c.Infer(ctx, map[string]any{"prompt": "x"})
	if err != nil {
		t.Fatalf("Infer should succeed after one reconnect, got %v", err)
	}
	if _, ok := msg["actions"].(NDArray); !ok {
		t.Fatalf("actions is %T, want NDArray", msg["actions"])
	}

	mu.Lock()
	defer mu.Unlock()
	if conns != 2 {
		t.Errorf("server saw %d connections, want 2", conns)
	}
}

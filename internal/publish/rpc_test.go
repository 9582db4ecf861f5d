package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newRPCServer runs a JSON-RPC websocket endpoint that answers every request
// except the methods listed in silent, and pushes one notification first.
func newRPCServer(t *testing.T, silent ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mute := make(map[string]bool, len(silent))
	for _, m := range silent {
		mute[m] = true
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "Client.OnConnect",
			"params":  map[string]interface{}{},
		})

		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if mute[req.Method] {
				continue
			}
			resp := map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  map[string]interface{}{"method": req.Method},
			}
			if req.Method == "Fail.Always" {
				delete(resp, "result")
				resp["error"] = map[string]interface{}{"code": -32601, "message": "no such method"}
			}
			conn.WriteJSON(resp)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestCallRoundTrip(t *testing.T) {
	server := newRPCServer(t)
	c, err := dialRPC(context.Background(), wsURL(server), 2*time.Second)
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	defer c.close()

	raw, err := c.call(context.Background(), "Server.GetStatus", nil)
	if err != nil {
		t.Fatalf("call() error = %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result["method"] != "Server.GetStatus" {
		t.Errorf("result = %v, want echo of method name", result)
	}
}

func TestCallCorrelatesByID(t *testing.T) {
	server := newRPCServer(t)
	c, err := dialRPC(context.Background(), wsURL(server), 2*time.Second)
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	defer c.close()

	// Several sequential calls must each get their own answer, with the
	// server's notification frame interleaved at the start.
	for _, method := range []string{"A", "B", "C"} {
		raw, err := c.call(context.Background(), method, nil)
		if err != nil {
			t.Fatalf("call(%v) error = %v", method, err)
		}
		var result map[string]string
		json.Unmarshal(raw, &result)
		if result["method"] != method {
			t.Errorf("result = %v, want %v", result["method"], method)
		}
	}
}

func TestCallTimeout(t *testing.T) {
	server := newRPCServer(t, "Slow.Method")
	c, err := dialRPC(context.Background(), wsURL(server), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	defer c.close()

	if _, err := c.call(context.Background(), "Slow.Method", nil); err == nil {
		t.Error("call() should time out when the server never answers")
	}

	// The connection stays usable after a timed-out request.
	if _, err := c.call(context.Background(), "Server.GetStatus", nil); err != nil {
		t.Errorf("call() after timeout error = %v", err)
	}
}

func TestCallServerError(t *testing.T) {
	server := newRPCServer(t)
	c, err := dialRPC(context.Background(), wsURL(server), 2*time.Second)
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}
	defer c.close()

	if _, err := c.call(context.Background(), "Fail.Always", nil); err == nil {
		t.Error("call() should surface JSON-RPC errors")
	}
}

func TestClosedSignalled(t *testing.T) {
	server := newRPCServer(t)
	c, err := dialRPC(context.Background(), wsURL(server), 2*time.Second)
	if err != nil {
		t.Fatalf("dialRPC() error = %v", err)
	}

	c.close()
	select {
	case <-c.closed():
	case <-time.After(time.Second):
		t.Error("closed() not signalled after close")
	}
}

func TestDialFailure(t *testing.T) {
	if _, err := dialRPC(context.Background(), "ws://127.0.0.1:1/jsonrpc", time.Second); err == nil {
		t.Error("dialRPC() should fail for an unreachable server")
	}
}

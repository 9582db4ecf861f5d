package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// rpcRequest is a JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response or notification frame.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// caller is the control channel surface the Publisher depends on. Tests
// substitute a recording fake.
type caller interface {
	call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	closed() <-chan struct{}
	close() error
}

// rpcClient is a JSON-RPC 2.0 client over a websocket. Responses are matched
// to requests by id; server notifications are ignored.
type rpcClient struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse

	nextID uint64

	done     chan struct{}
	doneOnce sync.Once
}

// dialRPC connects the control channel and starts the response reader.
func dialRPC(ctx context.Context, url string, timeout time.Duration) (caller, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &rpcClient{
		conn:    conn,
		timeout: timeout,
		pending: make(map[uint64]chan rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// call sends one request and waits for its response, up to the configured
// timeout. A timed-out request is abandoned; a late response is discarded by
// the read loop.
func (c *rpcClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed waiting for %s", method)
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for %s response", method)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		return resp.Result, nil
	}
}

// closed is signalled when the read loop exits for any reason.
func (c *rpcClient) closed() <-chan struct{} { return c.done }

func (c *rpcClient) close() error {
	c.doneOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *rpcClient) readLoop() {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("Control channel read failed: %v", err)
			}
			return
		}
		if resp.ID == nil {
			// Server notification (Client.OnConnect etc.), not ours to handle.
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[*resp.ID]
		c.pendingMu.Unlock()
		if !ok {
			// Response arrived after its caller timed out.
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

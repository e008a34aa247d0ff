package u2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// codeObjectNotFound is the agent's JSON-RPC code for UiObjectNotFoundException.
const codeObjectNotFound = -32002

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      string              `json:"id"`
	Result  jsoniter.RawMessage `json:"result"`
	Error   *RPCError           `json:"error"`
}

// RPCError is an error object returned by the agent.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// objectNotFound reports whether the agent could not resolve a selector.
func (e *RPCError) objectNotFound() bool {
	return e.Code == codeObjectNotFound || strings.Contains(e.Message, "UiObjectNotFound")
}

// call performs one JSON-RPC request against <endpoint>/jsonrpc/0 and decodes the
// result into out (which may be nil).
func (a *Adapter) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if unreachable(err) {
			return fmt.Errorf("%w: %v", device.ErrBackendUnavailable, err)
		}
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError && len(payload) == 0 {
		return fmt.Errorf("%w: agent returned %s", device.ErrBackendUnavailable, resp.Status)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return fmt.Errorf("decode %s response (%s): %w", method, resp.Status, err)
	}
	if rpc.Error != nil {
		if rpc.Error.objectNotFound() {
			return fmt.Errorf("%w: %v", device.ErrElementNotFound, rpc.Error)
		}
		return rpc.Error
	}
	if out == nil || len(rpc.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// unreachable reports whether err means nothing is listening at the endpoint.
func unreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

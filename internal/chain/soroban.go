package chain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// SorobanClient talks JSON-RPC to a Soroban RPC endpoint. This core only
// needs health (reachability), the latest ledger, and contract simulation.
type SorobanClient struct {
	client *resty.Client
}

// NewSorobanClient 创建 Soroban RPC 客户端。
// resty 会自动从环境变量读取代理配置（HTTP_PROXY/HTTPS_PROXY）。
func NewSorobanClient(url string) *SorobanClient {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)
	return &SorobanClient{client: client}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *SorobanClient) call(ctx context.Context, method string, params, out interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}

	var rpcResp rpcResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&rpcResp).
		Post("")
	if err != nil {
		return errors.Wrapf(err, "soroban rpc %s", method)
	}
	if resp.IsError() {
		return errors.Errorf("soroban rpc %s: http %d", method, resp.StatusCode())
	}
	if rpcResp.Error != nil {
		return errors.Errorf("soroban rpc %s: %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return errors.Wrapf(err, "soroban rpc %s: decode result", method)
		}
	}
	return nil
}

// HealthStatus getHealth 响应
type HealthStatus struct {
	Status       string `json:"status"`
	LatestLedger uint32 `json:"latestLedger"`
}

func (c *SorobanClient) GetHealth(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	err := c.call(ctx, "getHealth", nil, &out)
	return out, err
}

// LatestLedger getLatestLedger 响应
type LatestLedger struct {
	Sequence        uint32 `json:"sequence"`
	ProtocolVersion int    `json:"protocolVersion"`
}

func (c *SorobanClient) GetLatestLedger(ctx context.Context) (LatestLedger, error) {
	var out LatestLedger
	err := c.call(ctx, "getLatestLedger", nil, &out)
	return out, err
}

// SimulationResult simulateTransaction 响应（只取本层关心的字段）
type SimulationResult struct {
	MinResourceFee string `json:"minResourceFee"`
	LatestLedger   uint32 `json:"latestLedger"`
	Error          string `json:"error"`
}

// SimulateTransaction 模拟执行合约交易，txBase64 为交易信封。
func (c *SorobanClient) SimulateTransaction(ctx context.Context, txBase64 string) (SimulationResult, error) {
	params := map[string]string{"transaction": txBase64}
	var out SimulationResult
	if err := c.call(ctx, "simulateTransaction", params, &out); err != nil {
		return out, err
	}
	if out.Error != "" {
		return out, errors.Errorf("soroban simulation failed: %s", out.Error)
	}
	return out, nil
}

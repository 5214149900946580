package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// PayCreateRequest is forwarded to the node's pay_create method.
type PayCreateRequest struct {
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Denom         string `json:"denom"`
	Amount        string `json:"amount"`
	Description   string `json:"description,omitempty"`
	Policy        string `json:"policy"`
	Endpoint      string `json:"endpoint,omitempty"`
	Deadline      int64  `json:"deadline,omitempty"`
	DisputeWindow int64  `json:"disputeWindow,omitempty"`
}

// PayRecord mirrors the node's settlement record representation.
type PayRecord struct {
	ID            uint64 `json:"id"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Denom         string `json:"denom"`
	Amount        string `json:"amount"`
	Description   string `json:"description,omitempty"`
	Policy        string `json:"policy"`
	Endpoint      string `json:"endpoint,omitempty"`
	Evidence      string `json:"evidence,omitempty"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	Deadline      int64  `json:"deadline,omitempty"`
	DisputeWindow int64  `json:"disputeWindow,omitempty"`
	ReleaseAfter  int64  `json:"releaseAfter,omitempty"`
	VerifiedAt    int64  `json:"verifiedAt,omitempty"`
	CompletedAt   int64  `json:"completedAt,omitempty"`
	Rejections    uint32 `json:"rejections,omitempty"`
	DisputeReason string `json:"disputeReason,omitempty"`
}

// PayStats mirrors the node's aggregate settlement counters.
type PayStats struct {
	TotalRecords  uint64            `json:"totalRecords"`
	TotalSettled  uint64            `json:"totalSettled"`
	TotalDisputed uint64            `json:"totalDisputed"`
	VolumeByDenom map[string]string `json:"volumeByDenom"`
}

// NodeClient talks to a settlement node.
type NodeClient interface {
	PayCreate(ctx context.Context, req PayCreateRequest) (*PayRecord, error)
	PayGet(ctx context.Context, id uint64) (*PayRecord, error)
	PayListFor(ctx context.Context, address string) ([]PayRecord, error)
	PaySubmitProof(ctx context.Context, id uint64, caller, evidence string) (*PayRecord, error)
	PayApprove(ctx context.Context, id uint64, caller string) (*PayRecord, error)
	PayReject(ctx context.Context, id uint64, caller string) (*PayRecord, error)
	PayDispute(ctx context.Context, id uint64, caller, reason string) (*PayRecord, error)
	PayResolve(ctx context.Context, id uint64, caller, outcome string) (*PayRecord, error)
	PayCancel(ctx context.Context, id uint64, caller string) (*PayRecord, error)
	PayStats(ctx context.Context) (*PayStats, error)
}

// RPCNodeClient implements NodeClient over JSON-RPC.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCNodeClient) PayCreate(ctx context.Context, req PayCreateRequest) (*PayRecord, error) {
	var result PayRecord
	if err := c.call(ctx, "pay_create", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) PayGet(ctx context.Context, id uint64) (*PayRecord, error) {
	var result PayRecord
	if err := c.call(ctx, "pay_get", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) PayListFor(ctx context.Context, address string) ([]PayRecord, error) {
	var result []PayRecord
	if err := c.call(ctx, "pay_listFor", []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) PaySubmitProof(ctx context.Context, id uint64, caller, evidence string) (*PayRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller, "evidence": evidence}
	var result PayRecord
	if err := c.call(ctx, "pay_submitProof", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) PayApprove(ctx context.Context, id uint64, caller string) (*PayRecord, error) {
	return c.transition(ctx, "pay_approve", id, caller)
}

func (c *RPCNodeClient) PayReject(ctx context.Context, id uint64, caller string) (*PayRecord, error) {
	return c.transition(ctx, "pay_reject", id, caller)
}

func (c *RPCNodeClient) PayCancel(ctx context.Context, id uint64, caller string) (*PayRecord, error) {
	return c.transition(ctx, "pay_cancel", id, caller)
}

func (c *RPCNodeClient) PayDispute(ctx context.Context, id uint64, caller, reason string) (*PayRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller, "reason": reason}
	var result PayRecord
	if err := c.call(ctx, "pay_dispute", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) PayResolve(ctx context.Context, id uint64, caller, outcome string) (*PayRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller, "outcome": outcome}
	var result PayRecord
	if err := c.call(ctx, "pay_resolve", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) PayStats(ctx context.Context) (*PayStats, error) {
	var result PayStats
	if err := c.call(ctx, "pay_stats", []interface{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) transition(ctx context.Context, method string, id uint64, caller string) (*PayRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller}
	var result PayRecord
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("node rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

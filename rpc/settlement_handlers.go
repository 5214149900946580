package rpc

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"proofpay/native/settlement"
)

const (
	codePayInvalidParams = -32041
	codePayNotFound      = -32042
	codePayForbidden     = -32043
	codePayConflict      = -32044
	codePayInternal      = -32045
)

type payCreateParams struct {
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

type payIDParams struct {
	ID uint64 `json:"id"`
}

type payActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type paySubmitProofParams struct {
	ID       uint64 `json:"id"`
	Caller   string `json:"caller"`
	Evidence string `json:"evidence"` // base64
}

type payDisputeParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
}

type payResolveParams struct {
	ID      uint64 `json:"id"`
	Caller  string `json:"caller"`
	Outcome string `json:"outcome"`
}

type payAddressParams struct {
	Address string `json:"address"`
}

type payInboundParams struct {
	Address string `json:"address"`
	Denom   string `json:"denom"`
}

type recordJSON struct {
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

type statsJSON struct {
	TotalRecords  uint64            `json:"totalRecords"`
	TotalSettled  uint64            `json:"totalSettled"`
	TotalDisputed uint64            `json:"totalDisputed"`
	VolumeByDenom map[string]string `json:"volumeByDenom"`
}

type balanceJSON struct {
	Address  string            `json:"address"`
	Balances map[string]string `json:"balances"`
	Username string            `json:"username,omitempty"`
	Nonce    uint64            `json:"nonce"`
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q", value)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes")
	}
	copy(addr[:], decoded)
	return addr, nil
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func formatRecord(r *settlement.Record) *recordJSON {
	if r == nil {
		return nil
	}
	amount := "0"
	if r.Amount != nil {
		amount = r.Amount.String()
	}
	out := &recordJSON{
		ID:            r.ID,
		Payer:         formatAddress(r.Payer),
		Payee:         formatAddress(r.Payee),
		Denom:         r.Denom,
		Amount:        amount,
		Description:   r.Description,
		Policy:        r.Policy.String(),
		Endpoint:      r.Endpoint,
		Status:        r.Status.String(),
		CreatedAt:     r.CreatedAt,
		Deadline:      r.Deadline,
		DisputeWindow: r.DisputeWindow,
		ReleaseAfter:  r.ReleaseAfter,
		VerifiedAt:    r.VerifiedAt,
		CompletedAt:   r.CompletedAt,
		Rejections:    r.Rejections,
		DisputeReason: r.DisputeReason,
	}
	if len(r.Evidence) > 0 {
		out.Evidence = base64.StdEncoding.EncodeToString(r.Evidence)
	}
	return out
}

func singleParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func writeSettlementError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codePayInternal
	message := "internal_error"
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		status = http.StatusNotFound
		code = codePayNotFound
		message = "not_found"
	case errors.Is(err, settlement.ErrUnauthorized):
		status = http.StatusForbidden
		code = codePayForbidden
		message = "forbidden"
	case errors.Is(err, settlement.ErrInvalidStatus), errors.Is(err, settlement.ErrAlreadySettled):
		status = http.StatusConflict
		code = codePayConflict
		message = "conflict"
	case errors.Is(err, settlement.ErrValidation), errors.Is(err, settlement.ErrProofMalformed), errors.Is(err, settlement.ErrProofRejected):
		status = http.StatusBadRequest
		code = codePayInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}

func (s *Server) handlePayCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payCreateParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	payer, err := parseAddress(params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	payee, err := parseAddress(params.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	policy, err := settlement.ParseProofPolicy(params.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.SettlementCreate(payer, payee, params.Denom, amount, params.Description, policy, params.Deadline, params.DisputeWindow, params.Endpoint)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatRecord(record))
}

func (s *Server) handlePaySubmitProof(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params paySubmitProofParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	evidence, err := base64.StdEncoding.DecodeString(params.Evidence)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", "evidence must be base64")
		return
	}
	if err := s.node.SettlementSubmitProof(caller, params.ID, evidence); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	s.writeUpdatedRecord(w, req.ID, params.ID)
}

// writeUpdatedRecord responds to a successful transition with the record's
// post-transition state so clients never need a follow-up pay_get.
func (s *Server) writeUpdatedRecord(w http.ResponseWriter, reqID interface{}, recordID uint64) {
	record, err := s.node.SettlementGet(recordID)
	if err != nil {
		writeSettlementError(w, reqID, err)
		return
	}
	writeResult(w, reqID, formatRecord(record))
}

func (s *Server) handlePayApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePayTransition(w, r, req, s.node.SettlementApprove)
}

func (s *Server) handlePayReject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePayTransition(w, r, req, s.node.SettlementReject)
}

func (s *Server) handlePayCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePayTransition(w, r, req, s.node.SettlementCancel)
}

func (s *Server) handlePayTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func([20]byte, uint64) error) {
	var params payActorParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(caller, params.ID); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	s.writeUpdatedRecord(w, req.ID, params.ID)
}

func (s *Server) handlePayDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payDisputeParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SettlementDispute(caller, params.ID, params.Reason); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	s.writeUpdatedRecord(w, req.ID, params.ID)
}

func (s *Server) handlePayResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payResolveParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SettlementResolveDispute(caller, params.ID, params.Outcome); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	s.writeUpdatedRecord(w, req.ID, params.ID)
}

func (s *Server) handlePayRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payIDParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SettlementRelease(params.ID); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	s.writeUpdatedRecord(w, req.ID, params.ID)
}

func (s *Server) handlePayRefundExpired(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payIDParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SettlementRefundExpired(params.ID); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	s.writeUpdatedRecord(w, req.ID, params.ID)
}

func (s *Server) handlePayGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payIDParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.SettlementGet(params.ID)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatRecord(record))
}

func (s *Server) handlePayListFor(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePayList(w, r, req, s.node.SettlementListFor)
}

func (s *Server) handlePayListPendingFor(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePayList(w, r, req, s.node.SettlementListPendingFor)
}

func (s *Server) handlePayList(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func([20]byte) ([]*settlement.Record, error)) {
	var params payAddressParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	records, err := fn(addr)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	out := make([]*recordJSON, 0, len(records))
	for _, record := range records {
		out = append(out, formatRecord(record))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handlePayPendingInbound(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payInboundParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	total, err := s.node.SettlementPendingInbound(addr, params.Denom)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, total.String())
}

func (s *Server) handlePayStats(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	stats, err := s.node.SettlementStats()
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	out := &statsJSON{
		TotalRecords:  stats.TotalRecords,
		TotalSettled:  stats.TotalSettled,
		TotalDisputed: stats.TotalDisputed,
		VolumeByDenom: make(map[string]string, len(stats.VolumeByDenom)),
	}
	for _, vol := range stats.VolumeByDenom {
		amount := "0"
		if vol.Amount != nil {
			amount = vol.Amount.String()
		}
		out.VolumeByDenom[vol.Denom] = amount
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handlePayGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payAddressParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePayInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr[:])
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	out := &balanceJSON{
		Address:  formatAddress(addr),
		Balances: make(map[string]string, len(account.Balances)),
		Username: account.Username,
		Nonce:    account.Nonce,
	}
	for _, bal := range account.Balances {
		amount := "0"
		if bal.Amount != nil {
			amount = bal.Amount.String()
		}
		out.Balances[bal.Denom] = amount
	}
	writeResult(w, req.ID, out)
}

package rpc

import (
	"errors"
	"net/http"

	"proofpay/native/identity"
)

const (
	codeIdentityInvalidParams = -32051
	codeIdentityNotFound      = -32052
	codeIdentityConflict      = -32053
	codeIdentityInternal      = -32054
)

type identityRegisterParams struct {
	Address  string `json:"address"`
	Username string `json:"username"`
}

type identityUsernameParams struct {
	Username string `json:"username"`
}

type identityJSON struct {
	Username  string `json:"username"`
	Address   string `json:"address"`
	CreatedAt int64  `json:"createdAt"`
}

func formatUsernameRecord(record *identity.UsernameRecord) *identityJSON {
	if record == nil {
		return nil
	}
	return &identityJSON{
		Username:  record.Username,
		Address:   formatAddress(record.Address),
		CreatedAt: record.CreatedAt,
	}
}

func writeIdentityError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeIdentityInternal
	message := "internal_error"
	switch {
	case errors.Is(err, identity.ErrNotFound):
		status = http.StatusNotFound
		code = codeIdentityNotFound
		message = "not_found"
	case errors.Is(err, identity.ErrUsernameTaken), errors.Is(err, identity.ErrAlreadyRegistered):
		status = http.StatusConflict
		code = codeIdentityConflict
		message = "conflict"
	case errors.Is(err, identity.ErrInvalidUsername):
		status = http.StatusBadRequest
		code = codeIdentityInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}

func (s *Server) handleIdentityRegister(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params identityRegisterParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeIdentityInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeIdentityInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.IdentityRegister(addr, params.Username)
	if err != nil {
		writeIdentityError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatUsernameRecord(record))
}

func (s *Server) handleIdentityResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params identityUsernameParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeIdentityInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.IdentityResolve(params.Username)
	if err != nil {
		writeIdentityError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatUsernameRecord(record))
}

func (s *Server) handleIdentityReverse(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params payAddressParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeIdentityInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeIdentityInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.IdentityReverse(addr)
	if err != nil {
		writeIdentityError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatUsernameRecord(record))
}

func (s *Server) handleIdentityAvailable(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params identityUsernameParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeIdentityInvalidParams, "invalid_params", err.Error())
		return
	}
	available, err := s.node.IdentityAvailable(params.Username)
	if err != nil {
		writeIdentityError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, available)
}

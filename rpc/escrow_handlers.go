package rpc

import (
	"net/http"

	"invochain/native/escrow"
)

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowActorParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type escrowVaultParams struct {
	Token string `json:"token,omitempty"`
}

type escrowJSON struct {
	ID        string `json:"id"`
	InvoiceID string `json:"invoiceId"`
	Business  string `json:"business"`
	Investor  string `json:"investor"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	ClosedAt  int64  `json:"closedAt,omitempty"`
}

type escrowVaultResult struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

func formatEscrowJSON(esc *escrow.Escrow) escrowJSON {
	return escrowJSON{
		ID:        formatHexID(esc.ID),
		InvoiceID: formatHexID(esc.InvoiceID),
		Business:  formatAddress(esc.Business),
		Investor:  formatAddress(esc.Investor),
		Token:     esc.Token,
		Amount:    bigIntString(esc.Amount),
		Status:    esc.Status.String(),
		CreatedAt: esc.CreatedAt,
		ClosedAt:  esc.ClosedAt,
	}
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.node.EscrowGet(id)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc))
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, r, req, s.node.EscrowRelease)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, r, req, s.node.EscrowRefund)
}

func (s *Server) handleEscrowTransition(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func([20]byte, [32]byte) error) {
	var params escrowActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(caller, id); err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowVaultAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	token := "INV"
	if len(req.Params) > 0 {
		var params escrowVaultParams
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		normalized, err := normalizeTokenSymbol(params.Token)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		token = normalized
	}
	vault, err := s.node.EscrowVaultAddress(token)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowVaultResult{Token: token, Address: formatAddress(vault)})
}

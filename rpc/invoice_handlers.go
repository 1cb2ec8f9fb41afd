package rpc

import (
	"net/http"

	"invochain/native/invoice"
)

type invoiceCreateParams struct {
	Business  string `json:"business"`
	Amount    string `json:"amount"`
	DueDate   int64  `json:"dueDate"`
	Token     string `json:"token,omitempty"`
	Category  string `json:"category,omitempty"`
	Reference string `json:"reference,omitempty"`
}

type invoiceActorParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type invoiceDisputeParams struct {
	Caller   string `json:"caller"`
	ID       string `json:"id"`
	Disputed bool   `json:"disputed"`
}

type invoiceIDParams struct {
	ID string `json:"id"`
}

type invoiceJSON struct {
	ID           string `json:"id"`
	Business     string `json:"business"`
	Amount       string `json:"amount"`
	DueDate      int64  `json:"dueDate"`
	Token        string `json:"token"`
	Category     string `json:"category,omitempty"`
	Reference    string `json:"reference,omitempty"`
	Status       string `json:"status"`
	FundedAmount string `json:"fundedAmount"`
	Investor     string `json:"investor,omitempty"`
	Disputed     bool   `json:"disputed"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

type invoiceCountsResult struct {
	Total    uint64            `json:"total"`
	ByStatus map[string]uint64 `json:"byStatus"`
}

func formatInvoiceJSON(inv *invoice.Invoice) invoiceJSON {
	out := invoiceJSON{
		ID:           formatHexID(inv.ID),
		Business:     formatAddress(inv.Business),
		Amount:       bigIntString(inv.Amount),
		DueDate:      inv.DueDate,
		Token:        inv.Token,
		Category:     inv.Category,
		Reference:    inv.Reference,
		Status:       inv.Status.String(),
		FundedAmount: bigIntString(inv.FundedAmount),
		Disputed:     inv.Disputed,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
	if inv.Investor != ([20]byte{}) {
		out.Investor = formatAddress(inv.Investor)
	}
	return out
}

func (s *Server) handleInvoiceCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params invoiceCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	business, err := parseBech32Address(params.Business)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := normalizeTokenSymbol(params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.InvoiceCreate(business, amount, params.DueDate, token, params.Category, params.Reference)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatInvoiceJSON(inv))
}

func (s *Server) handleInvoiceVerify(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleInvoiceTransition(w, r, req, s.node.InvoiceVerify)
}

func (s *Server) handleInvoiceCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleInvoiceTransition(w, r, req, s.node.InvoiceCancel)
}

func (s *Server) handleInvoiceTransition(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func([20]byte, [32]byte) (*invoice.Invoice, error)) {
	var params invoiceActorParams
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
	inv, err := fn(caller, id)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatInvoiceJSON(inv))
}

func (s *Server) handleInvoiceSetDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params invoiceDisputeParams
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
	inv, err := s.node.InvoiceSetDispute(caller, id, params.Disputed)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatInvoiceJSON(inv))
}

func (s *Server) handleInvoiceGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params invoiceIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.InvoiceGet(id)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatInvoiceJSON(inv))
}

func (s *Server) handleInvoiceCounts(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	total, byStatus, err := s.node.InvoiceCounts()
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	counts := make(map[string]uint64, len(byStatus))
	for status, n := range byStatus {
		counts[status.String()] = n
	}
	writeResult(w, req.ID, invoiceCountsResult{Total: total, ByStatus: counts})
}

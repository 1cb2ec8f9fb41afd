package rpc

import (
	"net/http"

	"invochain/native/investments"
)

type investmentIDParams struct {
	ID string `json:"id"`
}

type investmentsListParams struct {
	Investor string `json:"investor"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type investmentJSON struct {
	ID          string `json:"id"`
	InvoiceID   string `json:"invoiceId"`
	Investor    string `json:"investor"`
	Amount      string `json:"amount"`
	CreatedAt   int64  `json:"createdAt"`
	Completed   bool   `json:"completed"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

func formatInvestmentJSON(record *investments.Investment) investmentJSON {
	return investmentJSON{
		ID:          formatHexID(record.ID),
		InvoiceID:   formatHexID(record.InvoiceID),
		Investor:    formatAddress(record.Investor),
		Amount:      bigIntString(record.Amount),
		CreatedAt:   record.CreatedAt,
		Completed:   record.Completed,
		CompletedAt: record.CompletedAt,
	}
}

func (s *Server) handleInvestmentsGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params investmentIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	record, found, err := s.node.InvestmentGet(id)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	if !found {
		writeProtocolError(w, req.ID, investments.ErrNotFound)
		return
	}
	writeResult(w, req.ID, formatInvestmentJSON(record))
}

func (s *Server) handleInvestmentsListByInvestor(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params investmentsListParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	investor, err := parseBech32Address(params.Investor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Offset < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "offset must not be negative")
		return
	}
	records, err := s.node.InvestmentsListByInvestor(investor, params.Offset, params.Limit)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	out := make([]investmentJSON, 0, len(records))
	for _, record := range records {
		out = append(out, formatInvestmentJSON(record))
	}
	writeResult(w, req.ID, out)
}

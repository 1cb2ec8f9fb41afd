package rpc

import (
	"net/http"

	"invochain/native/funding"
)

type fundingAcceptParams struct {
	Caller    string `json:"caller"`
	InvoiceID string `json:"invoiceId"`
	BidID     string `json:"bidId"`
}

type fundingRepaymentParams struct {
	Caller    string `json:"caller"`
	InvoiceID string `json:"invoiceId"`
	Amount    string `json:"amount"`
}

type fundingDefaultParams struct {
	Caller    string `json:"caller"`
	InvoiceID string `json:"invoiceId"`
}

type fundingAcceptResult struct {
	EscrowID string `json:"escrowId"`
}

type settlementJSON struct {
	InvoiceID      string `json:"invoiceId"`
	EscrowID       string `json:"escrowId"`
	Payment        string `json:"payment"`
	GrossProfit    string `json:"grossProfit"`
	InvestorReturn string `json:"investorReturn"`
	PlatformFee    string `json:"platformFee"`
	TreasuryCut    string `json:"treasuryCut"`
	PlatformCut    string `json:"platformCut"`
}

func formatSettlementJSON(result *funding.SettlementResult) settlementJSON {
	return settlementJSON{
		InvoiceID:      formatHexID(result.InvoiceID),
		EscrowID:       formatHexID(result.EscrowID),
		Payment:        bigIntString(result.Payment),
		GrossProfit:    bigIntString(result.GrossProfit),
		InvestorReturn: bigIntString(result.InvestorReturn),
		PlatformFee:    bigIntString(result.PlatformFee),
		TreasuryCut:    bigIntString(result.TreasuryCut),
		PlatformCut:    bigIntString(result.PlatformCut),
	}
}

func (s *Server) handleFundingAcceptBid(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params fundingAcceptParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	invoiceID, err := parseHexID(params.InvoiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	bidID, err := parseHexID(params.BidID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	escrowID, err := s.node.FundingAcceptBid(caller, invoiceID, bidID)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, fundingAcceptResult{EscrowID: formatHexID(escrowID)})
}

func (s *Server) handleFundingRecordRepayment(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params fundingRepaymentParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	invoiceID, err := parseHexID(params.InvoiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	result, err := s.node.FundingRecordRepayment(caller, invoiceID, amount)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlementJSON(result))
}

func (s *Server) handleFundingMarkDefaulted(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params fundingDefaultParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	invoiceID, err := parseHexID(params.InvoiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.FundingMarkDefaulted(caller, invoiceID)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatInvoiceJSON(inv))
}

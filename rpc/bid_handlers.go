package rpc

import (
	"net/http"

	"invochain/native/bids"
)

type bidPlaceParams struct {
	Investor       string `json:"investor"`
	InvoiceID      string `json:"invoiceId"`
	Amount         string `json:"amount"`
	ExpectedReturn string `json:"expectedReturn"`
}

type bidActorParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type bidIDParams struct {
	ID string `json:"id"`
}

type bidInvoiceParams struct {
	InvoiceID string `json:"invoiceId"`
}

type bidJSON struct {
	ID             string `json:"id"`
	InvoiceID      string `json:"invoiceId"`
	Investor       string `json:"investor"`
	Amount         string `json:"amount"`
	ExpectedReturn string `json:"expectedReturn"`
	PlacedAt       int64  `json:"placedAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	Status         string `json:"status"`
}

type bidBestResult struct {
	Bid   *bidJSON `json:"bid,omitempty"`
	Found bool     `json:"found"`
}

type bidCleanupResult struct {
	Expired int `json:"expired"`
}

func formatBidJSON(bid *bids.Bid) bidJSON {
	return bidJSON{
		ID:             formatHexID(bid.ID),
		InvoiceID:      formatHexID(bid.InvoiceID),
		Investor:       formatAddress(bid.Investor),
		Amount:         bigIntString(bid.Amount),
		ExpectedReturn: bigIntString(bid.ExpectedReturn),
		PlacedAt:       bid.PlacedAt,
		ExpiresAt:      bid.ExpiresAt,
		Status:         bid.Status.String(),
	}
}

func (s *Server) handleBidPlace(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bidPlaceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	investor, err := parseBech32Address(params.Investor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	invoiceID, err := parseHexID(params.InvoiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	expectedReturn, err := parsePositiveBigInt(params.ExpectedReturn)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	bid, err := s.node.BidPlace(investor, invoiceID, amount, expectedReturn)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBidJSON(bid))
}

func (s *Server) handleBidWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bidActorParams
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
	bid, err := s.node.BidWithdraw(caller, id)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBidJSON(bid))
}

func (s *Server) handleBidCancel(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bidActorParams
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
	bid, err := s.node.BidCancel(caller, id)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBidJSON(bid))
}

func (s *Server) handleBidGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bidIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	bid, err := s.node.BidGet(id)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBidJSON(bid))
}

func (s *Server) handleBidRanked(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	invoiceID, ok := s.decodeBidInvoiceParam(w, req)
	if !ok {
		return
	}
	ranked, err := s.node.BidsRanked(invoiceID)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	out := make([]bidJSON, 0, len(ranked))
	for _, bid := range ranked {
		out = append(out, formatBidJSON(bid))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleBidBest(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	invoiceID, ok := s.decodeBidInvoiceParam(w, req)
	if !ok {
		return
	}
	bid, found, err := s.node.BidBest(invoiceID)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	result := bidBestResult{Found: found}
	if found {
		formatted := formatBidJSON(bid)
		result.Bid = &formatted
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleBidCleanupExpired(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	invoiceID, ok := s.decodeBidInvoiceParam(w, req)
	if !ok {
		return
	}
	expired, err := s.node.BidsCleanupExpired(invoiceID)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidCleanupResult{Expired: expired})
}

func (s *Server) decodeBidInvoiceParam(w http.ResponseWriter, req *RPCRequest) ([32]byte, bool) {
	var params bidInvoiceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return [32]byte{}, false
	}
	invoiceID, err := parseHexID(params.InvoiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return [32]byte{}, false
	}
	return invoiceID, true
}

package rpc

import (
	"net/http"

	"invochain/native/receipts"
)

type receiptsGetParams struct {
	InvoiceID string `json:"invoiceId"`
}

type receiptsListParams struct {
	StartTs int64  `json:"startTs,omitempty"`
	EndTs   int64  `json:"endTs,omitempty"`
	Cursor  string `json:"cursor,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type receiptsExportParams struct {
	StartTs int64 `json:"startTs,omitempty"`
	EndTs   int64 `json:"endTs,omitempty"`
}

type receiptJSON struct {
	InvoiceID      string `json:"invoiceId"`
	EscrowID       string `json:"escrowId"`
	Business       string `json:"business"`
	Investor       string `json:"investor"`
	Token          string `json:"token"`
	Kind           string `json:"kind"`
	Payment        string `json:"payment"`
	GrossProfit    string `json:"grossProfit"`
	InvestorReturn string `json:"investorReturn"`
	PlatformFee    string `json:"platformFee"`
	TreasuryCut    string `json:"treasuryCut"`
	PlatformCut    string `json:"platformCut"`
	SettledAt      int64  `json:"settledAt"`
}

func formatReceiptJSON(receipt *receipts.Receipt) receiptJSON {
	return receiptJSON{
		InvoiceID:      formatHexID(receipt.InvoiceID),
		EscrowID:       formatHexID(receipt.EscrowID),
		Business:       formatAddress(receipt.Business),
		Investor:       formatAddress(receipt.Investor),
		Token:          receipt.Token,
		Kind:           receipt.Kind,
		Payment:        bigIntString(receipt.Payment),
		GrossProfit:    bigIntString(receipt.GrossProfit),
		InvestorReturn: bigIntString(receipt.InvestorReturn),
		PlatformFee:    bigIntString(receipt.PlatformFee),
		TreasuryCut:    bigIntString(receipt.TreasuryCut),
		PlatformCut:    bigIntString(receipt.PlatformCut),
		SettledAt:      receipt.SettledAt,
	}
}

func (s *Server) handleReceiptsGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params receiptsGetParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	invoiceID, err := parseHexID(params.InvoiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	receipt, found, err := s.node.ReceiptGet(invoiceID)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	if !found {
		writeProtocolError(w, req.ID, receipts.ErrNotFound)
		return
	}
	writeResult(w, req.ID, formatReceiptJSON(receipt))
}

func (s *Server) handleReceiptsList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params receiptsListParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Limit < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "limit must not be negative")
		return
	}
	records, nextCursor, err := s.node.ReceiptsList(params.StartTs, params.EndTs, params.Cursor, params.Limit)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	out := make([]receiptJSON, 0, len(records))
	for _, record := range records {
		out = append(out, formatReceiptJSON(record))
	}
	writeResult(w, req.ID, map[string]interface{}{"receipts": out, "nextCursor": nextCursor})
}

func (s *Server) handleReceiptsExport(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params receiptsExportParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	csvBase64, count, total, err := s.node.ReceiptsExport(params.StartTs, params.EndTs)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"csvBase64":    csvBase64,
		"count":        count,
		"totalPayment": bigIntString(total),
	})
}

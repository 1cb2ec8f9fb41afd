package routes

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"invochain/core"
	"invochain/crypto"
	"invochain/native/bids"
	nativecommon "invochain/native/common"
	"invochain/native/escrow"
	"invochain/native/investments"
	"invochain/native/invoice"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// bridge adapts the node's module entry points to plain JSON endpoints. The
// funding and settlement operations stay on the operator RPC plane; the
// facade only exposes the marketplace surface.
type bridge struct {
	node *core.Node
}

type invoicePayload struct {
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

type bidPayload struct {
	ID             string `json:"id"`
	InvoiceID      string `json:"invoiceId"`
	Investor       string `json:"investor"`
	Amount         string `json:"amount"`
	ExpectedReturn string `json:"expectedReturn"`
	PlacedAt       int64  `json:"placedAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	Status         string `json:"status"`
}

type escrowPayload struct {
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

type investmentPayload struct {
	ID          string `json:"id"`
	InvoiceID   string `json:"invoiceId"`
	Investor    string `json:"investor"`
	Amount      string `json:"amount"`
	CreatedAt   int64  `json:"createdAt"`
	Completed   bool   `json:"completed"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

func formatInvoicePayload(inv *invoice.Invoice) invoicePayload {
	payload := invoicePayload{
		ID:           formatID(inv.ID),
		Business:     formatAddr(inv.Business),
		Amount:       bigString(inv.Amount),
		DueDate:      inv.DueDate,
		Token:        inv.Token,
		Category:     inv.Category,
		Reference:    inv.Reference,
		Status:       inv.Status.String(),
		FundedAmount: bigString(inv.FundedAmount),
		Disputed:     inv.Disputed,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
	if inv.Investor != ([20]byte{}) {
		payload.Investor = formatAddr(inv.Investor)
	}
	return payload
}

func formatBidPayload(bid *bids.Bid) bidPayload {
	return bidPayload{
		ID:             formatID(bid.ID),
		InvoiceID:      formatID(bid.InvoiceID),
		Investor:       formatAddr(bid.Investor),
		Amount:         bigString(bid.Amount),
		ExpectedReturn: bigString(bid.ExpectedReturn),
		PlacedAt:       bid.PlacedAt,
		ExpiresAt:      bid.ExpiresAt,
		Status:         bid.Status.String(),
	}
}

func formatEscrowPayload(esc *escrow.Escrow) escrowPayload {
	return escrowPayload{
		ID:        formatID(esc.ID),
		InvoiceID: formatID(esc.InvoiceID),
		Business:  formatAddr(esc.Business),
		Investor:  formatAddr(esc.Investor),
		Token:     esc.Token,
		Amount:    bigString(esc.Amount),
		Status:    esc.Status.String(),
		CreatedAt: esc.CreatedAt,
		ClosedAt:  esc.ClosedAt,
	}
}

func formatInvestmentPayload(inv *investments.Investment) investmentPayload {
	return investmentPayload{
		ID:          formatID(inv.ID),
		InvoiceID:   formatID(inv.InvoiceID),
		Investor:    formatAddr(inv.Investor),
		Amount:      bigString(inv.Amount),
		CreatedAt:   inv.CreatedAt,
		Completed:   inv.Completed,
		CompletedAt: inv.CompletedAt,
	}
}

// --- Invoice endpoints ---

type createInvoiceRequest struct {
	Business  string `json:"business"`
	Amount    string `json:"amount"`
	DueDate   int64  `json:"dueDate"`
	Token     string `json:"token,omitempty"`
	Category  string `json:"category,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func (b *bridge) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	business, err := parseAddr(req.Business)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("business: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("amount: %w", err))
		return
	}
	token := strings.ToUpper(strings.TrimSpace(req.Token))
	if token == "" {
		token = "INV"
	}
	inv, err := b.node.InvoiceCreate(business, amount, req.DueDate, token, req.Category, req.Reference)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, formatInvoicePayload(inv))
}

func (b *bridge) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := b.node.InvoiceGet(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatInvoicePayload(inv))
}

func (b *bridge) invoiceCounts(w http.ResponseWriter, r *http.Request) {
	total, byStatus, err := b.node.InvoiceCounts()
	if err != nil {
		writeNodeError(w, err)
		return
	}
	counts := make(map[string]uint64, len(byStatus))
	for status, count := range byStatus {
		counts[status.String()] = count
	}
	writeJSON(w, http.StatusOK, struct {
		Total    uint64            `json:"total"`
		ByStatus map[string]uint64 `json:"byStatus"`
	}{Total: total, ByStatus: counts})
}

func (b *bridge) listRankedBids(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ranked, err := b.node.BidsRanked(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	payloads := make([]bidPayload, 0, len(ranked))
	for _, bid := range ranked {
		payloads = append(payloads, formatBidPayload(bid))
	}
	writeJSON(w, http.StatusOK, struct {
		Bids []bidPayload `json:"bids"`
	}{Bids: payloads})
}

func (b *bridge) bestBid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	best, found, err := b.node.BidBest(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	result := struct {
		Bid   *bidPayload `json:"bid,omitempty"`
		Found bool        `json:"found"`
	}{Found: found}
	if found {
		payload := formatBidPayload(best)
		result.Bid = &payload
	}
	writeJSON(w, http.StatusOK, result)
}

var errNoEscrowForInvoice = errors.New("no escrow recorded for invoice")
var errNoInvestmentForInvoice = errors.New("no investment recorded for invoice")

func (b *bridge) invoiceEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	esc, found, err := b.node.EscrowByInvoice(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	if !found {
		writeErrorJSON(w, http.StatusNotFound, errNoEscrowForInvoice)
		return
	}
	writeJSON(w, http.StatusOK, formatEscrowPayload(esc))
}

func (b *bridge) invoiceInvestment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, found, err := b.node.InvestmentByInvoice(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	if !found {
		writeErrorJSON(w, http.StatusNotFound, errNoInvestmentForInvoice)
		return
	}
	writeJSON(w, http.StatusOK, formatInvestmentPayload(inv))
}

// --- Bid endpoints ---

type placeBidRequest struct {
	Investor       string `json:"investor"`
	InvoiceID      string `json:"invoiceId"`
	Amount         string `json:"amount"`
	ExpectedReturn string `json:"expectedReturn"`
}

func (b *bridge) placeBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	investor, err := parseAddr(req.Investor)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("investor: %w", err))
		return
	}
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invoiceId: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("amount: %w", err))
		return
	}
	expectedReturn, err := parseAmount(req.ExpectedReturn)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("expectedReturn: %w", err))
		return
	}
	bid, err := b.node.BidPlace(investor, invoiceID, amount, expectedReturn)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, formatBidPayload(bid))
}

func (b *bridge) getBid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bid, err := b.node.BidGet(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatBidPayload(bid))
}

type withdrawBidRequest struct {
	Caller string `json:"caller"`
}

func (b *bridge) withdrawBid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req withdrawBidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("caller: %w", err))
		return
	}
	bid, err := b.node.BidWithdraw(caller, id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatBidPayload(bid))
}

// --- Escrow and investment endpoints ---

func (b *bridge) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	esc, err := b.node.EscrowGet(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatEscrowPayload(esc))
}

func (b *bridge) getInvestment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, found, err := b.node.InvestmentGet(id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	if !found {
		writeErrorJSON(w, http.StatusNotFound, investments.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, formatInvestmentPayload(inv))
}

func (b *bridge) listInvestments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	investor, err := parseAddr(query.Get("investor"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("investor: %w", err))
		return
	}
	offset, err := queryInt(query.Get("offset"), 0)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("offset: %w", err))
		return
	}
	limit, err := queryInt(query.Get("limit"), 0)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("limit: %w", err))
		return
	}
	list, err := b.node.InvestmentsListByInvestor(investor, offset, limit)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	payloads := make([]investmentPayload, 0, len(list))
	for _, inv := range list {
		payloads = append(payloads, formatInvestmentPayload(inv))
	}
	writeJSON(w, http.StatusOK, struct {
		Investments []investmentPayload `json:"investments"`
	}{Investments: payloads})
}

// --- Shared helpers ---

func decodeJSON(r *http.Request, out interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, requestBodyLimit)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func pathID(w http.ResponseWriter, r *http.Request) ([32]byte, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("id: %w", err))
		return [32]byte{}, false
	}
	return id, true
}

func parseID(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != 64 {
		return out, fmt.Errorf("identifier must be 32 hex bytes")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid hex identifier: %w", err)
	}
	copy(out[:], decoded)
	return out, nil
}

func formatID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func parseAddr(raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func formatAddr(addr [20]byte) string {
	return crypto.NewAddress(crypto.INVPrefix, addr[:]).String()
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func queryInt(raw string, fallback int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if value < 0 {
		return 0, fmt.Errorf("value cannot be negative")
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorJSON(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeErrorJSON(w, http.StatusBadRequest, err)
}

func writeNodeError(w http.ResponseWriter, err error) {
	writeErrorJSON(w, statusForNodeError(err), err)
}

// statusForNodeError folds the module sentinels reachable through the facade
// into HTTP statuses. The taxonomy matches the JSON-RPC error mapping.
func statusForNodeError(err error) int {
	switch {
	case errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, bids.ErrNotFound),
		errors.Is(err, bids.ErrInvoiceNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, investments.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, invoice.ErrUnauthorized),
		errors.Is(err, bids.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, invoice.ErrInvalidStatus),
		errors.Is(err, bids.ErrInvalidStatus),
		errors.Is(err, bids.ErrInvoiceNotBiddable),
		errors.Is(err, bids.ErrExpired),
		errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, nativecommon.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, invoice.ErrInvalidAmount),
		errors.Is(err, invoice.ErrAmountAboveLimit),
		errors.Is(err, invoice.ErrInvalidDueDate),
		errors.Is(err, invoice.ErrUnknownToken),
		errors.Is(err, bids.ErrInvalidAmount),
		errors.Is(err, bids.ErrInvalidReturn),
		errors.Is(err, bids.ErrBelowMinimum),
		errors.Is(err, bids.ErrAboveInvoiceAmount),
		errors.Is(err, bids.ErrLimitExceeded):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

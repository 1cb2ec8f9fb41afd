package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"invochain/core"
	"invochain/crypto"
	"invochain/native/bids"
	nativecommon "invochain/native/common"
	"invochain/native/escrow"
	"invochain/native/funding"
	"invochain/native/identity"
	"invochain/native/investments"
	"invochain/native/invoice"
	"invochain/native/receipts"
	"invochain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	// maxWritesPerWindow bounds mutating calls per source per window.
	maxWritesPerWindow = 32

	envRPCToken = "INVOCHAIND_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Protocol error codes mirror the module error taxonomy so clients can
// branch on failures without string matching.
const (
	codeNotFound       = -32021
	codeNotAuthorized  = -32022
	codeInvalidStatus  = -32023
	codeInvalidAmount  = -32024
	codeExpired        = -32025
	codeNotAllowed     = -32026
	codeTransferFailed = -32027
)

// writeQuota bounds mutating calls per source. One epoch spans the rate
// limit window.
var writeQuota = nativecommon.Quota{
	MaxRequestsPerEpoch: maxWritesPerWindow,
	EpochSeconds:        uint32(rateLimitWindow / time.Second),
}

type Server struct {
	node *core.Node

	mu         sync.Mutex
	writeUsage map[string]nativecommon.QuotaNow
	authToken  string
}

// NewServer wires a JSON-RPC server around the node. The bearer token for
// mutating methods is read from INVOCHAIND_RPC_TOKEN; when unset every
// mutating call is rejected.
func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv(envRPCToken))
	return &Server{
		node:       node,
		writeUsage: make(map[string]nativecommon.QuotaNow),
		authToken:  token,
	}
}

func (s *Server) Start(addr string) error {
	slog.Info("starting JSON-RPC server", "addr", addr)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return http.ListenAndServe(addr, mux)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the HTTP status a handler wrote so the request can
// be observed after dispatch.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.dispatch(recorder, r, req)
	observability.ModuleMetrics().Observe(methodModule(req.Method), req.Method, recorder.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "invoice_create":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleInvoiceCreate(w, r, req)
	case "invoice_verify":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleInvoiceVerify(w, r, req)
	case "invoice_cancel":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleInvoiceCancel(w, r, req)
	case "invoice_setDispute":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleInvoiceSetDispute(w, r, req)
	case "invoice_get":
		s.handleInvoiceGet(w, r, req)
	case "invoice_counts":
		s.handleInvoiceCounts(w, r, req)
	case "bid_place":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleBidPlace(w, r, req)
	case "bid_withdraw":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleBidWithdraw(w, r, req)
	case "bid_cancel":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleBidCancel(w, r, req)
	case "bid_get":
		s.handleBidGet(w, r, req)
	case "bid_ranked":
		s.handleBidRanked(w, r, req)
	case "bid_best":
		s.handleBidBest(w, r, req)
	case "bid_cleanupExpired":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleBidCleanupExpired(w, r, req)
	case "funding_acceptBid":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleFundingAcceptBid(w, r, req)
	case "funding_recordRepayment":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleFundingRecordRepayment(w, r, req)
	case "funding_markDefaulted":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleFundingMarkDefaulted(w, r, req)
	case "escrow_get":
		s.handleEscrowGet(w, r, req)
	case "escrow_release":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleEscrowRelease(w, r, req)
	case "escrow_refund":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleEscrowRefund(w, r, req)
	case "escrow_vaultAddress":
		s.handleEscrowVaultAddress(w, r, req)
	case "investments_get":
		s.handleInvestmentsGet(w, r, req)
	case "investments_listByInvestor":
		s.handleInvestmentsListByInvestor(w, r, req)
	case "receipts_get":
		s.handleReceiptsGet(w, r, req)
	case "receipts_list":
		s.handleReceiptsList(w, r, req)
	case "receipts_export":
		s.handleReceiptsExport(w, r, req)
	case "token_approve":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleTokenApprove(w, r, req)
	case "token_allowance":
		s.handleTokenAllowance(w, r, req)
	case "token_balance":
		s.handleTokenBalance(w, r, req)
	case "identity_grantRole":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleIdentityGrantRole(w, r, req)
	case "identity_revokeRole":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleIdentityRevokeRole(w, r, req)
	case "identity_rolesOf":
		s.handleIdentityRolesOf(w, r, req)
	case "identity_members":
		s.handleIdentityMembers(w, r, req)
	case "identity_setInvestorLimit":
		if !s.guardWrite(w, r, req) {
			return
		}
		s.handleIdentitySetInvestorLimit(w, r, req)
	case "events_latest":
		s.handleEventsLatest(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// guardWrite authenticates and rate-limits a mutating call, writing the
// error response itself when the call is rejected.
func (s *Server) guardWrite(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	if !s.allowSource(clientSource(r), time.Now()) {
		observability.ModuleMetrics().RecordThrottle(methodModule(req.Method), "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	epoch := uint64(now.Unix()) / uint64(writeQuota.EpochSeconds)
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := nativecommon.CheckQuota(writeQuota, epoch, s.writeUsage[source], 1, 0)
	if err != nil {
		return false
	}
	s.writeUsage[source] = next
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func methodModule(method string) string {
	if module, _, ok := strings.Cut(method, "_"); ok && module != "" {
		return module
	}
	return "rpc"
}

// writeProtocolError translates module sentinel errors into the protocol
// error-code range. Anything unrecognized is reported as a server error.
func writeProtocolError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	switch {
	case errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, bids.ErrNotFound),
		errors.Is(err, bids.ErrInvoiceNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, investments.ErrNotFound),
		errors.Is(err, receipts.ErrNotFound),
		errors.Is(err, funding.ErrEscrowMissing),
		errors.Is(err, funding.ErrInvestmentMissing):
		status, code, message = http.StatusNotFound, codeNotFound, "not_found"
	case errors.Is(err, invoice.ErrUnauthorized),
		errors.Is(err, bids.ErrUnauthorized),
		errors.Is(err, funding.ErrUnauthorized),
		errors.Is(err, identity.ErrUnauthorized),
		errors.Is(err, core.ErrUnauthorized):
		status, code, message = http.StatusForbidden, codeNotAuthorized, "not_authorized"
	case errors.Is(err, bids.ErrExpired):
		status, code, message = http.StatusConflict, codeExpired, "expired"
	case errors.Is(err, invoice.ErrInvalidStatus),
		errors.Is(err, bids.ErrInvalidStatus),
		errors.Is(err, bids.ErrInvoiceNotBiddable),
		errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, investments.ErrAlreadyRecorded),
		errors.Is(err, funding.ErrInvalidStatus),
		errors.Is(err, funding.ErrBidMismatch),
		errors.Is(err, funding.ErrBidNotLive):
		status, code, message = http.StatusConflict, codeInvalidStatus, "invalid_status"
	case errors.Is(err, invoice.ErrInvalidAmount),
		errors.Is(err, invoice.ErrAmountAboveLimit),
		errors.Is(err, bids.ErrInvalidAmount),
		errors.Is(err, bids.ErrInvalidReturn),
		errors.Is(err, bids.ErrBelowMinimum),
		errors.Is(err, bids.ErrAboveInvoiceAmount),
		errors.Is(err, bids.ErrLimitExceeded),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, investments.ErrInvalidAmount),
		errors.Is(err, funding.ErrInvalidAmount):
		status, code, message = http.StatusBadRequest, codeInvalidAmount, "invalid_amount"
	case errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, nativecommon.ErrReentrantCall):
		status, code, message = http.StatusConflict, codeNotAllowed, "not_allowed"
	case errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrInsufficientAllowance):
		status, code, message = http.StatusConflict, codeTransferFailed, "transfer_failed"
	case errors.Is(err, invoice.ErrInvalidDueDate),
		errors.Is(err, invoice.ErrUnknownToken),
		errors.Is(err, identity.ErrUnknownRole):
		status, code, message = http.StatusBadRequest, codeInvalidParams, "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}

// --- Shared parameter helpers ---

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return err
	}
	return nil
}

func parseBech32Address(addr string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(addr)
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

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.INVPrefix, addr[:]).String()
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	amount, err := parseNonNegativeBigInt(value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseHexID(id string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func formatHexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func normalizeTokenSymbol(raw string) (string, error) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if token == "" {
		return "INV", nil
	}
	if token != "INV" && token != "ZINV" {
		return "", fmt.Errorf("token must be INV or ZINV")
	}
	return token, nil
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --- Event feed ---

type eventsLatestParams struct {
	Limit int `json:"limit"`
}

func (s *Server) handleEventsLatest(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	limit := 20
	if len(req.Params) > 0 {
		var direct int
		if err := json.Unmarshal(req.Params[0], &direct); err == nil {
			limit = direct
		} else {
			var params eventsLatestParams
			if err := json.Unmarshal(req.Params[0], &params); err != nil {
				writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
				return
			}
			limit = params.Limit
		}
	}
	if limit <= 0 {
		limit = 20
	} else if limit > 200 {
		limit = 200
	}
	writeResult(w, req.ID, s.node.LatestEvents(limit))
}

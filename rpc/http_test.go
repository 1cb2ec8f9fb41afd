package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"invochain/config"
	"invochain/core"
	"invochain/crypto"
	"invochain/storage"
)

type testEnv struct {
	server *Server
	node   *core.Node
	token  string
}

func rpcTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func rpcBech32(addr [20]byte) string {
	return crypto.NewAddress(crypto.INVPrefix, addr[:]).String()
}

var (
	rpcAdmin    = rpcTestAddress(0xA1)
	rpcBusiness = rpcTestAddress(0xB1)
	rpcInvestor = rpcTestAddress(0x1A)
	rpcTreasury = rpcTestAddress(0xC1)
	rpcPlatform = rpcTestAddress(0xD1)
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	token := "test-token"
	t.Setenv(envRPCToken, token)
	cfg := &config.Config{
		Genesis: config.Genesis{
			FeePolicy: config.FeePolicySeed{
				FeeBps:           200,
				TreasuryShareBps: 6_000,
				Treasury:         rpcBech32(rpcTreasury),
				Platform:         rpcBech32(rpcPlatform),
			},
			Roles: config.RoleSeeds{
				Admins:     []string{rpcBech32(rpcAdmin)},
				Investors:  []string{rpcBech32(rpcInvestor)},
				Businesses: []string{rpcBech32(rpcBusiness)},
			},
			Balances: []config.BalanceSeed{
				{Address: rpcBech32(rpcInvestor), Token: "INV", Amount: "50000"},
			},
		},
	}
	node, err := core.NewNode(storage.NewMemDB(), cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return &testEnv{server: NewServer(node), node: node, token: token}
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

// call drives a request through the full handle path, bearer token included.
func (env *testEnv) call(t *testing.T, method string, params ...interface{}) (json.RawMessage, *RPCError) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw = append(raw, marshalParam(t, p))
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+env.token)
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	return decodeRPCResponse(t, recorder)
}

// mustCall fails the test when the method returns an RPC error.
func (env *testEnv) mustCall(t *testing.T, method string, params ...interface{}) json.RawMessage {
	t.Helper()
	result, rpcErr := env.call(t, method, params...)
	if rpcErr != nil {
		t.Fatalf("%s: unexpected error %d %s (%v)", method, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return result
}

func decodeResult(t *testing.T, raw json.RawMessage, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestHandleRejectsEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("  "))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", rpcErr)
	}
}

func TestHandleRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", rpcErr)
	}
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	body := strings.Repeat("a", maxRequestBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestHandleRejectsUnsupportedVersion(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"1.0","method":"invoice_counts","id":1}`))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", rpcErr)
	}
}

func TestHandleRejectsUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	_, rpcErr := env.call(t, "invoice_unknown")
	if rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", rpcErr)
	}
}

func TestMutatingMethodRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	body := `{"jsonrpc":"2.0","method":"invoice_create","params":[{}],"id":1}`

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized without bearer, got %+v", rpcErr)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	recorder = httptest.NewRecorder()
	env.server.handle(recorder, req)
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized with bad bearer, got %+v", rpcErr)
	}
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestQueryMethodsSkipAuth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","method":"invoice_counts","id":1}`))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var counts invoiceCountsResult
	decodeResult(t, result, &counts)
	if counts.Total != 0 {
		t.Fatalf("expected empty registry, got total %d", counts.Total)
	}
}

func TestRequireAuthWithoutConfiguredToken(t *testing.T) {
	t.Setenv(envRPCToken, "")
	server := NewServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer anything")
	if authErr := server.requireAuth(req); authErr == nil {
		t.Fatalf("expected auth rejection when no token configured")
	}
}

func TestAllowSourceEnforcesWindow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	for i := 0; i < maxWritesPerWindow; i++ {
		if !env.server.allowSource("10.0.0.9", now) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if env.server.allowSource("10.0.0.9", now) {
		t.Fatalf("expected rate limit after %d writes", maxWritesPerWindow)
	}
	if !env.server.allowSource("10.0.0.10", now) {
		t.Fatalf("other sources should not share the limiter")
	}
	if !env.server.allowSource("10.0.0.9", now.Add(rateLimitWindow)) {
		t.Fatalf("window expiry should reset the limiter")
	}
}

func TestClientSourcePrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if source := clientSource(req); source != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %q", source)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if source := clientSource(req); source != "10.0.0.5" {
		t.Fatalf("expected remote host, got %q", source)
	}
}

func TestEventsLatestOverRPC(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, "invoice_create", invoiceCreateParams{
		Business: rpcBech32(rpcBusiness),
		Amount:   "1000",
		DueDate:  time.Now().Unix() + 86_400,
	})

	result := env.mustCall(t, "events_latest", map[string]int{"limit": 5})
	var events []struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	decodeResult(t, result, &events)
	if len(events) == 0 {
		t.Fatalf("expected events after invoice creation")
	}
	last := events[len(events)-1]
	if last.Type != "invoice.created" {
		t.Fatalf("expected invoice.created, got %s", last.Type)
	}
	if last.Attributes["status"] != "pending" {
		t.Fatalf("expected pending status attribute, got %q", last.Attributes["status"])
	}
}

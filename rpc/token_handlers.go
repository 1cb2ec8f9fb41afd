package rpc

import (
	"net/http"
)

type tokenApproveParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Token   string `json:"token,omitempty"`
	Amount  string `json:"amount"`
}

type tokenAllowanceParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Token   string `json:"token,omitempty"`
}

type tokenBalanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

type tokenAllowanceResult struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Token     string `json:"token"`
	Allowance string `json:"allowance"`
}

type tokenBalanceResult struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func (s *Server) handleTokenApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenApproveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	spender, err := parseBech32Address(params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := normalizeTokenSymbol(params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	// Zero is allowed so owners can clear an allowance.
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.TokenApprove(owner, spender, token, amount); err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTokenAllowance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenAllowanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	spender, err := parseBech32Address(params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := normalizeTokenSymbol(params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	allowance, err := s.node.TokenAllowance(owner, spender, token)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenAllowanceResult{
		Owner:     formatAddress(owner),
		Spender:   formatAddress(spender),
		Token:     token,
		Allowance: bigIntString(allowance),
	})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenBalanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := normalizeTokenSymbol(params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.TokenBalance(addr, token)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenBalanceResult{
		Address: formatAddress(addr),
		Token:   token,
		Balance: bigIntString(balance),
	})
}

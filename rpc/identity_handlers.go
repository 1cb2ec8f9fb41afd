package rpc

import (
	"net/http"
)

type identityRoleParams struct {
	Caller  string `json:"caller"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

type identityAddressParams struct {
	Address string `json:"address"`
}

type identityLimitParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Limit   string `json:"limit"`
}

type identityRolesResult struct {
	Address string   `json:"address"`
	Roles   []string `json:"roles"`
}

type identityRoleQueryParams struct {
	Role string `json:"role"`
}

type identityMembersResult struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

func (s *Server) handleIdentityGrantRole(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleIdentityRoleChange(w, r, req, s.node.IdentityGrantRole)
}

func (s *Server) handleIdentityRevokeRole(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleIdentityRoleChange(w, r, req, s.node.IdentityRevokeRole)
}

func (s *Server) handleIdentityRoleChange(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func([20]byte, string, [20]byte) error) {
	var params identityRoleParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(caller, params.Role, addr); err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleIdentityRolesOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params identityAddressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	roles := s.node.IdentityRolesOf(addr)
	writeResult(w, req.ID, identityRolesResult{Address: formatAddress(addr), Roles: roles})
}

func (s *Server) handleIdentityMembers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params identityRoleQueryParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	members, err := s.node.IdentityMembers(params.Role)
	if err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	formatted := make([]string, 0, len(members))
	for _, addr := range members {
		formatted = append(formatted, formatAddress(addr))
	}
	writeResult(w, req.ID, identityMembersResult{Role: params.Role, Members: formatted})
}

func (s *Server) handleIdentitySetInvestorLimit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params identityLimitParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	limit, err := parseNonNegativeBigInt(params.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.IdentitySetInvestorLimit(caller, addr, limit); err != nil {
		writeProtocolError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

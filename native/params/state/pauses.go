package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const pausesKey = "system/pauses"

// Reader exposes the minimal parameter store capabilities required to inspect pause toggles.
type Reader interface {
	ParamStoreGet(name string) ([]byte, bool, error)
}

// ModulePaused reports whether the pause toggle for the named module is
// enabled. Unknown module names read as unpaused.
func ModulePaused(reader Reader, module string) (bool, error) {
	if reader == nil {
		return false, fmt.Errorf("params: reader not configured")
	}
	raw, ok, err := reader.ParamStoreGet(pausesKey)
	if err != nil {
		return false, fmt.Errorf("params: load pauses: %w", err)
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return false, nil
	}
	var payload struct {
		Invoice     bool
		Bids        bool
		Escrow      bool
		Funding     bool
		Investments bool
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, fmt.Errorf("params: decode pauses: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(module)) {
	case "invoice":
		return payload.Invoice, nil
	case "bids":
		return payload.Bids, nil
	case "escrow":
		return payload.Escrow, nil
	case "funding":
		return payload.Funding, nil
	case "investments":
		return payload.Investments, nil
	default:
		return false, nil
	}
}

package config

// Pauses toggles write operations per native module. A paused module keeps
// serving reads; only state-changing calls are rejected.
type Pauses struct {
	Invoice     bool
	Bids        bool
	Escrow      bool
	Funding     bool
	Investments bool
}

// Telemetry wires the optional OpenTelemetry exporters. Disabled by default;
// the node runs fine on prometheus-only observability.
type Telemetry struct {
	Enabled     bool   `toml:"Enabled"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Environment string `toml:"Environment"`
	Headers     string `toml:"Headers"`
	Metrics     bool   `toml:"Metrics"`
	Traces      bool   `toml:"Traces"`
}

// FeePolicySeed is the settlement fee policy in configuration form. Addresses
// are bech32 strings and are decoded when the node seeds the parameter store
// on first boot.
type FeePolicySeed struct {
	FeeBps           uint32 `toml:"FeeBps"`
	TreasuryShareBps uint32 `toml:"TreasuryShareBps"`
	Treasury         string `toml:"Treasury"`
	Platform         string `toml:"Platform"`
}

// LimitsSeed carries protocol limit overrides applied at genesis. Amounts are
// decimal strings so operators can express values beyond int64 range.
type LimitsSeed struct {
	MaxAmount     string `toml:"MaxAmount"`
	MinBidAmount  string `toml:"MinBidAmount"`
	MaxPageSize   uint32 `toml:"MaxPageSize"`
	BidTTLSeconds uint64 `toml:"BidTTLSeconds"`
}

// RoleSeeds lists the bech32 addresses granted protocol roles at genesis.
// Further grants happen at runtime through the identity module.
type RoleSeeds struct {
	Admins     []string `toml:"Admins"`
	Investors  []string `toml:"Investors"`
	Businesses []string `toml:"Businesses"`
}

// BalanceSeed credits an address with an opening token balance at genesis.
type BalanceSeed struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token"`
	Amount  string `toml:"Amount"`
}

// Genesis bundles the ledger state seeded when the node starts with an empty
// database. Seeding is skipped once the state reports existing invoices or
// registered tokens.
type Genesis struct {
	FeePolicy FeePolicySeed `toml:"FeePolicy"`
	Limits    LimitsSeed    `toml:"Limits"`
	Roles     RoleSeeds     `toml:"Roles"`
	Balances  []BalanceSeed `toml:"Balances"`
	Pauses    Pauses        `toml:"Pauses"`
}

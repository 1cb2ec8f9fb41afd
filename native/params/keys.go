package params

const (
	// ParamsKeyPauses stores the module pause configuration.
	ParamsKeyPauses = "system/pauses"
	// ParamsKeyFeePolicy stores the settlement fee policy.
	ParamsKeyFeePolicy = "fees/policy"
	// ParamsKeyLimits stores the protocol amount and paging limits.
	ParamsKeyLimits = "system/limits"
	// ParamsKeyInvestorLimitPrefix prefixes per-address investor exposure
	// overrides; the full key appends the hex-encoded address.
	ParamsKeyInvestorLimitPrefix = "identity/investor-limit/"
)

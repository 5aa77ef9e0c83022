package toolrun

import "alexrt/internal/mcp"

// Permission is the confirmation a call needs before it runs.
type Permission string

const (
	PermissionAllow Permission = "allow"
	PermissionAsk   Permission = "ask"
)

// Risk is a coarse risk rating shown next to a pending call.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// PermissionHint pairs the confirmation requirement with its risk.
type PermissionHint struct {
	Permission Permission `json:"permission"`
	Risk       Risk       `json:"risk"`
}

// HintForTrust derives the hint from server trust. Unknown levels are
// treated as untrusted.
func HintForTrust(t mcp.Trust) PermissionHint {
	switch t {
	case mcp.TrustManaged:
		return PermissionHint{Permission: PermissionAllow, Risk: RiskLow}
	case mcp.TrustTrusted:
		return PermissionHint{Permission: PermissionAllow, Risk: RiskMedium}
	default:
		return PermissionHint{Permission: PermissionAsk, Risk: RiskHigh}
	}
}

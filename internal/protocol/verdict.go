package protocol

// Consensus results for one participant.
const (
	ResultPassed = "passed"
	ResultFailed = "failed"
)

// TrustUnit is the amount one verdict moves a trust counter.
const TrustUnit = 1

// VerdictEntry is the outcome for one distinct participant in a batch.
// Exactly one of TP or NP is set, matching the result.
type VerdictEntry struct {
	WalletAddress string `json:"wallet_address" validate:"required"`
	Result        string `json:"result" validate:"required,oneof=passed failed"`
	TP            int    `json:"tp,omitempty"`
	NP            int    `json:"np,omitempty"`
}

// VerdictReport is the settlement document a validator returns to the pool
// after adjudicating a batch.
type VerdictReport struct {
	ValID            string         `json:"val_id" validate:"required"`
	ValidatorAddress string         `json:"validator_address" validate:"required"`
	PoolIP           string         `json:"pool_ip"`
	PoolPort         int            `json:"pool_port"`
	Tasks            []VerdictEntry `json:"tasks" validate:"min=1,dive"`
}

// ValidateReport checks the structural boundary rules of a verdict report.
func ValidateReport(r *VerdictReport) error {
	return validate.Struct(r)
}

// SettleAck is the pool's reply to a delivered verdict report.
type SettleAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

package storage

// Task statuses. Status is monotonic: pending -> sent -> completed.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusCompleted = "completed"
)

// Task priority classes, highest first.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Validation batch conditions. Condition is monotonic:
// pending -> dispatch -> deleted.
const (
	ConditionPending  = "pending"
	ConditionDispatch = "dispatch"
)

// MessageRequestedTask is the message kind stamped on every generation task.
const MessageRequestedTask = "requestedTask"

// ReserveWallet is the distinguished key for the pool's own reserve account
// in the participant_scores table.
const ReserveWallet = "pool_reserve"

// Default trust counters for a participant created on first contact.
const (
	DefaultTP = 50
	DefaultNP = 0
)

// Task is one image-generation work item.
type Task struct {
	ID             string `json:"id"`
	RetrieveID     string `json:"retrieve_id"`
	Prompt         string `json:"task"`
	NegativePrompt string `json:"negative_prompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Seed           string `json:"seed"`
	Wallet         string `json:"wallet"`
	Status         string `json:"status"`
	Priority       string `json:"type"`
	MessageType    string `json:"message_type"`
	ValID          string `json:"val_id,omitempty"`
	Time           int64  `json:"time"` // creation time, overwritten on dispatch
}

// ValidationBatch groups exactly three task references awaiting triplet
// validation. Tasks are referenced by id, never copied.
type ValidationBatch struct {
	ValID      string   `json:"val_id"`
	Condition  string   `json:"condition"`
	CreatedAt  int64    `json:"createdAt"`
	Validators []string `json:"validators"`
	TaskIDs    []string `json:"task_ids"`
}

// BatchHistoryRecord survives the live batch so validity can be checked
// after deletion. Immutable once written.
type BatchHistoryRecord struct {
	ValID     string `json:"val_id"`
	CreatedAt int64  `json:"createdAt"`
}

// ParticipantScore tracks a wallet's trust counters, cumulative quality
// score, and balance. The balance is a canonical decimal string.
type ParticipantScore struct {
	Wallet     string `json:"wallet_address"`
	TP         int    `json:"tp"`
	NP         int    `json:"np"`
	Score      int    `json:"score"`
	Balance    string `json:"balance"`
	LastActive int64  `json:"last_active_time"`
}

// LedgerEntry is an append-only record of one balance mutation.
type LedgerEntry struct {
	ID        int64  `json:"id"`
	Wallet    string `json:"wallet_address"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"timestamp"`
}

// ReceivedBatch is a verified envelope held on the validator side until the
// consensus worker picks it up. Payload is the JSON task array including
// base64 outputs.
type ReceivedBatch struct {
	ValID      string `json:"val_id"`
	PoolWallet string `json:"pool_wallet"`
	PoolIP     string `json:"pool_ip"`
	PoolPort   int    `json:"pool_port"`
	Payload    []byte `json:"-"`
	CreatedAt  int64  `json:"created_at"`
}

// VerdictReportRow is a consensus outcome queued for delivery back to the
// pool that dispatched the batch.
type VerdictReportRow struct {
	ValID     string `json:"val_id"`
	PoolIP    string `json:"pool_ip"`
	PoolPort  int    `json:"pool_port"`
	Payload   []byte `json:"-"`
	CreatedAt int64  `json:"created_at"`
}

package database

import "time"

// Account is one registered external-API credential. The worker owns the
// scheduling columns; accounts are created and deleted elsewhere.
type Account struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	TokenEnc     []byte
	IsActive     bool `gorm:"default:true;index"`
	LastPolledAt *time.Time
	NextPollAt   *time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ShadowState is the latest known observation per item, used only as the
// diff baseline for snapshot decisions. At most one row per item.
type ShadowState struct {
	ItemID         string `gorm:"primaryKey"`
	AccountID      string `gorm:"index"`
	LastDownloaded int64
	LastUploaded   int64
	LastState      string
	LastProgress   float64
	UpdatedAt      time.Time
}

// Snapshot is an append-only history record, immutable once written.
type Snapshot struct {
	ID        string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	ItemID    string `gorm:"index"`
	Payload   []byte
	State     string
	Progress  float64
	DLSpeed   int64
	ULSpeed   int64
	Seeds     int
	Peers     int
	Ratio     float64
	CreatedAt time.Time `gorm:"index"`
}

// SpeedSample records cumulative transfer counters for an item that was in
// an active state at poll time. One row per poll per active item.
type SpeedSample struct {
	ID              uint      `gorm:"primaryKey"`
	ItemID          string    `gorm:"index"`
	Timestamp       time.Time `gorm:"index"`
	TotalDownloaded int64
	TotalUploaded   int64
}

// AutomationRule is a user-authored rule. Trigger, Conditions and Action
// hold JSON descriptors; the engine updates LastExecutedAt and
// ExecutionCount on successful fires.
type AutomationRule struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Enabled         bool `gorm:"default:true"`
	Trigger         string
	Conditions      []byte
	Action          string
	Metadata        []byte
	CooldownMinutes int
	LastExecutedAt  *time.Time
	ExecutionCount  int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RuleExecutionLog is an append-only audit record, written once per rule
// pass that matched at least one item.
type RuleExecutionLog struct {
	ID             string `gorm:"primaryKey"`
	RuleID         string `gorm:"index"`
	RuleName       string
	ExecutionType  string
	ItemsProcessed int
	Success        bool
	ErrorMessage   string
	ExecutedAt     time.Time `gorm:"index"`
}

const (
	ExecutionTypeScheduled = "scheduled"
	ExecutionTypeManual    = "manual"
)

type Webhook struct {
	ID        uint `gorm:"primaryKey"`
	Name      string
	URL       string
	Events    string
	Headers   []byte
	Enabled   bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

const SettingEncryptionSalt = "encryption_salt"

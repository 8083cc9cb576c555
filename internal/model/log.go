package model

import "time"

// LogLevel is the severity of a MigrationLog entry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// MigrationLog is a persisted, job scoped event.
type MigrationLog struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Level        LogLevel  `json:"level"`
	DataType     DataType  `json:"data_type,omitempty"`
	Message      string    `json:"message"`
	ItemID       string    `json:"item_id,omitempty"`
	ItemsCount   int64     `json:"items_count,omitempty"`
	ErrorDetails string    `json:"error_details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ItemStatus is the outcome recorded for one source item.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "SUCCEEDED"
	ItemFailed    ItemStatus = "FAILED"
)

// MigratedItem links a source item to the item created for it on the
// target. It is unique per (job, data type, source id).
type MigratedItem struct {
	JobID     string     `json:"job_id"`
	DataType  DataType   `json:"data_type"`
	SourceID  string     `json:"source_id"`
	TargetID  string     `json:"target_id,omitempty"`
	Status    ItemStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

package model

import "time"

// TriageNotification 分派完成通知（Redis 频道 triage:<destination>）
type TriageNotification struct {
	ExceptionID   string    `json:"exception_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Category      string    `json:"category"`
	SeverityLevel string    `json:"severity_level"`
	Destination   string    `json:"destination"`
	Priority      int       `json:"priority"`
	SLADeadline   time.Time `json:"sla_deadline"`
	Timestamp     int64     `json:"timestamp"` // Unix timestamp
}

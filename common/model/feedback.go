package model

import "time"

// ResolutionEvent 处理结果反馈（feedback 队列）
type ResolutionEvent struct {
	EventID            string     `json:"event_id" binding:"required"`
	ExceptionID        string     `json:"exception_id" binding:"required"`
	ResolvedWithinSLA  *bool      `json:"resolved_within_sla,omitempty"` // 为空时按 SLA 截止时间推导
	RoutingCorrect     *bool      `json:"routing_correct,omitempty"`     // 为空时按 correct_destination 推导
	CorrectDestination string     `json:"correct_destination,omitempty"`
	ResolvedBy         string     `json:"resolved_by,omitempty" binding:"max=128"`
	Notes              string     `json:"notes,omitempty" binding:"max=2000"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

// OverrideEvent 人工改派 / 改严重度（feedback 队列）
type OverrideEvent struct {
	EventID     string   `json:"event_id" binding:"required"`
	ExceptionID string   `json:"exception_id" binding:"required"`
	Destination string   `json:"destination,omitempty"`
	Severity    *float64 `json:"severity,omitempty" binding:"omitempty,min=0,max=1"`
	Actor       string   `json:"actor" binding:"required,max=128"`
	Note        string   `json:"note,omitempty" binding:"max=2000"`
}

// ExceptionReport 外部环节上报的异常
type ExceptionReport struct {
	ID            string                 `json:"id,omitempty"`
	Type          string                 `json:"type" binding:"required,oneof=MATCHING_EXCEPTION DATA_ERROR PROCESSING_ERROR SYSTEM_ERROR"`
	Stage         string                 `json:"stage" binding:"required,max=64"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	ReasonCodes   []string               `json:"reason_codes"`
	ErrorMessage  string                 `json:"error_message,omitempty" binding:"max=2000"`
	MatchScore    *float64               `json:"match_score,omitempty" binding:"omitempty,min=0,max=1"`
	RetryCount    int                    `json:"retry_count" binding:"min=0"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

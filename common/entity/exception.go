package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"oip/recon/internal/business/triage"
)

// Exception 异常实体（只插入，生命周期状态在 TriageState）
type Exception struct {
	ID            string         `gorm:"column:id;primaryKey;type:varchar(64)"`
	Type          string         `gorm:"column:type;type:varchar(32);not null"`
	Stage         string         `gorm:"column:stage;type:varchar(64);not null"`
	TransactionID string         `gorm:"column:transaction_id;type:varchar(128);index:idx_transaction"`
	ReasonCodes   datatypes.JSON `gorm:"column:reason_codes;type:json;not null"`
	ErrorMessage  string         `gorm:"column:error_message;type:text"`
	MatchScore    *float64       `gorm:"column:match_score"`
	RetryCount    int            `gorm:"column:retry_count;not null;default:0"`
	ParentID      string         `gorm:"column:parent_id;type:varchar(64);index:idx_parent"`
	StateVector   datatypes.JSON `gorm:"column:state_vector;type:json;not null"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:json"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index:idx_created_at"`
}

// TableName 指定表名
func (Exception) TableName() string {
	return "exceptions"
}

// FromException 领域对象 → 实体
func FromException(r *triage.ExceptionRecord) (*Exception, error) {
	codes, err := json.Marshal(nonNilStrings(r.ReasonCodes))
	if err != nil {
		return nil, fmt.Errorf("marshal reason codes: %w", err)
	}
	vector := r.StateVector
	if vector == nil {
		vector = []float64{}
	}
	vec, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("marshal state vector: %w", err)
	}

	e := &Exception{
		ID:            r.ID,
		Type:          string(r.Type),
		Stage:         r.Stage,
		TransactionID: r.TransactionID,
		ReasonCodes:   datatypes.JSON(codes),
		ErrorMessage:  r.ErrorMessage,
		MatchScore:    r.MatchScore,
		RetryCount:    r.RetryCount,
		ParentID:      r.ParentID,
		StateVector:   datatypes.JSON(vec),
		CreatedAt:     r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		e.Metadata = datatypes.JSON(meta)
	}
	return e, nil
}

// ToDomain 实体 → 领域对象
func (e *Exception) ToDomain() (*triage.ExceptionRecord, error) {
	r := &triage.ExceptionRecord{
		ID:            e.ID,
		Type:          triage.ExceptionType(e.Type),
		Stage:         e.Stage,
		TransactionID: e.TransactionID,
		ErrorMessage:  e.ErrorMessage,
		MatchScore:    e.MatchScore,
		RetryCount:    e.RetryCount,
		ParentID:      e.ParentID,
		CreatedAt:     e.CreatedAt.UTC(),
	}
	if err := unmarshalJSON(e.ReasonCodes, &r.ReasonCodes); err != nil {
		return nil, fmt.Errorf("unmarshal reason codes: %w", err)
	}
	if err := unmarshalJSON(e.StateVector, &r.StateVector); err != nil {
		return nil, fmt.Errorf("unmarshal state vector: %w", err)
	}
	if err := unmarshalJSON(e.Metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return r, nil
}

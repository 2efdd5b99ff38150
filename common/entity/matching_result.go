package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"oip/recon/internal/business/matching"
)

// MatchingResult 匹配结果实体（只插入，不更新）
type MatchingResult struct {
	ResultID       string         `gorm:"column:result_id;primaryKey;type:varchar(80)"`
	TransactionID  string         `gorm:"column:transaction_id;type:varchar(128);not null;index:idx_transaction"`
	Score          float64        `gorm:"column:score;not null"`
	ConfidenceLow  float64        `gorm:"column:confidence_low;not null"`
	ConfidenceHigh float64        `gorm:"column:confidence_high;not null"`
	Classification string         `gorm:"column:classification;type:varchar(32);not null"`
	Decision       string         `gorm:"column:decision;type:varchar(16);not null"`
	ReasonCodes    datatypes.JSON `gorm:"column:reason_codes;type:json;not null"`
	Details        datatypes.JSON `gorm:"column:details;type:json"`
	PrimaryRef     string         `gorm:"column:primary_ref;type:varchar(128);not null"`
	CounterRef     string         `gorm:"column:counter_ref;type:varchar(128);not null"`
	PriorResultID  string         `gorm:"column:prior_result_id;type:varchar(80)"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index:idx_created_at"`
}

// TableName 指定表名
func (MatchingResult) TableName() string {
	return "matching_results"
}

// FromMatchingResult 领域对象 → 实体
func FromMatchingResult(r *matching.MatchingResult) (*MatchingResult, error) {
	codes, err := json.Marshal(nonNilStrings(r.ReasonCodes))
	if err != nil {
		return nil, fmt.Errorf("marshal reason codes: %w", err)
	}
	details, err := json.Marshal(nonNilStrings(r.Details))
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}

	return &MatchingResult{
		ResultID:       r.ResultID,
		TransactionID:  r.TransactionID,
		Score:          r.Score,
		ConfidenceLow:  r.ConfidenceLow,
		ConfidenceHigh: r.ConfidenceHigh,
		Classification: string(r.Classification),
		Decision:       string(r.Decision),
		ReasonCodes:    datatypes.JSON(codes),
		Details:        datatypes.JSON(details),
		PrimaryRef:     r.PrimaryRef,
		CounterRef:     r.CounterRef,
		PriorResultID:  r.PriorResultID,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// ToDomain 实体 → 领域对象
func (e *MatchingResult) ToDomain() (*matching.MatchingResult, error) {
	r := &matching.MatchingResult{
		ResultID:       e.ResultID,
		TransactionID:  e.TransactionID,
		Score:          e.Score,
		ConfidenceLow:  e.ConfidenceLow,
		ConfidenceHigh: e.ConfidenceHigh,
		Classification: matching.Classification(e.Classification),
		Decision:       matching.Decision(e.Decision),
		PrimaryRef:     e.PrimaryRef,
		CounterRef:     e.CounterRef,
		PriorResultID:  e.PriorResultID,
		CreatedAt:      e.CreatedAt.UTC(),
	}
	if err := unmarshalJSON(e.ReasonCodes, &r.ReasonCodes); err != nil {
		return nil, fmt.Errorf("unmarshal reason codes: %w", err)
	}
	if err := unmarshalJSON(e.Details, &r.Details); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	if len(r.Details) == 0 {
		r.Details = nil
	}
	return r, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

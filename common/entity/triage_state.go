package entity

import (
	"time"

	"oip/recon/internal/business/triage"
)

// TriageState 分诊状态实体（按 exception_id upsert，最后写入者胜出）
type TriageState struct {
	ExceptionID       string     `gorm:"column:exception_id;primaryKey;type:varchar(64)"`
	TransactionID     string     `gorm:"column:transaction_id;type:varchar(128);index:idx_transaction"`
	Category          string     `gorm:"column:category;type:varchar(32);not null;index:idx_status_category"`
	SeverityScore     float64    `gorm:"column:severity_score;not null"`
	SeverityLevel     string     `gorm:"column:severity_level;type:varchar(16);not null"`
	Destination       string     `gorm:"column:destination;type:varchar(32);not null"`
	StaticDestination string     `gorm:"column:static_destination;type:varchar(32);not null"`
	PolicyOverride    bool       `gorm:"column:policy_override;not null;default:false"`
	Priority          int        `gorm:"column:priority;not null"`
	SLADeadline       time.Time  `gorm:"column:sla_deadline;not null;index:idx_sla"`
	Status            string     `gorm:"column:status;type:varchar(16);not null;default:'OPEN';index:idx_status_category"`
	AssignedTo        string     `gorm:"column:assigned_to;type:varchar(128)"`
	AssignedAt        *time.Time `gorm:"column:assigned_at"`
	AssignmentNote    string     `gorm:"column:assignment_note;type:text"`
	ResolutionNotes   string     `gorm:"column:resolution_notes;type:text"`
	ResolvedAt        *time.Time `gorm:"column:resolved_at"`
	ErrorMessage      string     `gorm:"column:error_message;type:text"`
	RulesVersion      string     `gorm:"column:rules_version;type:varchar(80)"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

// TableName 指定表名
func (TriageState) TableName() string {
	return "triage_states"
}

// FromTriageState 领域对象 → 实体
func FromTriageState(s *triage.TriageState) *TriageState {
	return &TriageState{
		ExceptionID:       s.ExceptionID,
		TransactionID:     s.TransactionID,
		Category:          string(s.Category),
		SeverityScore:     s.SeverityScore,
		SeverityLevel:     string(s.SeverityLevel),
		Destination:       string(s.Destination),
		StaticDestination: string(s.StaticDestination),
		PolicyOverride:    s.PolicyOverride,
		Priority:          s.Priority,
		SLADeadline:       s.SLADeadline,
		Status:            string(s.Status),
		AssignedTo:        s.AssignedTo,
		AssignedAt:        s.AssignedAt,
		AssignmentNote:    s.AssignmentNote,
		ResolutionNotes:   s.ResolutionNotes,
		ResolvedAt:        s.ResolvedAt,
		ErrorMessage:      s.ErrorMessage,
		RulesVersion:      s.RulesVersion,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// ToDomain 实体 → 领域对象
func (e *TriageState) ToDomain() *triage.TriageState {
	return &triage.TriageState{
		ExceptionID:       e.ExceptionID,
		TransactionID:     e.TransactionID,
		Category:          triage.Category(e.Category),
		SeverityScore:     e.SeverityScore,
		SeverityLevel:     triage.Level(e.SeverityLevel),
		Destination:       triage.Destination(e.Destination),
		StaticDestination: triage.Destination(e.StaticDestination),
		PolicyOverride:    e.PolicyOverride,
		Priority:          e.Priority,
		SLADeadline:       e.SLADeadline.UTC(),
		Status:            triage.ResolutionStatus(e.Status),
		AssignedTo:        e.AssignedTo,
		AssignedAt:        utcPtr(e.AssignedAt),
		AssignmentNote:    e.AssignmentNote,
		ResolutionNotes:   e.ResolutionNotes,
		ResolvedAt:        utcPtr(e.ResolvedAt),
		ErrorMessage:      e.ErrorMessage,
		RulesVersion:      e.RulesVersion,
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package exception

import (
	"context"
	"fmt"
	"time"

	"oip/recon/internal/business"
)

// TriageOutput 分诊任务输出
type TriageOutput struct {
	ExceptionID   string    `json:"exception_id"`
	Category      string    `json:"category"`
	SeverityScore float64   `json:"severity_score"`
	SeverityLevel string    `json:"severity_level"`
	Destination   string    `json:"destination"`
	Priority      int       `json:"priority"`
	SLADeadline   time.Time `json:"sla_deadline"`
	Status        string    `json:"status"`
	Duplicate     bool      `json:"duplicate,omitempty"`
	Escalated     bool      `json:"escalated,omitempty"`
	ChildID       string    `json:"child_id,omitempty"`
}

// TriageResulter 分诊结果处理器
type TriageResulter struct {
	dstData *TriageOutput
}

// NewTriageResulter 创建分诊结果处理器
func NewTriageResulter() *TriageResulter {
	return &TriageResulter{}
}

// Set 设置业务结果数据
func (r *TriageResulter) Set(ctx context.Context, data interface{}) error {
	outcome, ok := data.(*business.TriageOutcome)
	if !ok || outcome == nil || outcome.State == nil {
		return fmt.Errorf("unexpected triage result %T", data)
	}
	r.dstData = ToOutput(outcome)
	return nil
}

// Get 获取格式化后的输出
func (r *TriageResulter) Get(ctx context.Context) interface{} {
	return r.dstData
}

// ToOutput 分诊结果 → 输出
func ToOutput(outcome *business.TriageOutcome) *TriageOutput {
	st := outcome.State
	out := &TriageOutput{
		ExceptionID:   st.ExceptionID,
		Category:      string(st.Category),
		SeverityScore: st.SeverityScore,
		SeverityLevel: string(st.SeverityLevel),
		Destination:   string(st.Destination),
		Priority:      st.Priority,
		SLADeadline:   st.SLADeadline,
		Status:        string(st.Status),
		Duplicate:     outcome.Duplicate,
		Escalated:     outcome.Escalated,
	}
	if outcome.Child != nil && outcome.Child.Exception != nil {
		out.ChildID = outcome.Child.Exception.ID
	}
	return out
}

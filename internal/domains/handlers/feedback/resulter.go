package feedback

import (
	"context"
	"fmt"

	"oip/recon/internal/business/triage"
)

type feedbackResult struct {
	eventID string
	state   *triage.TriageState
}

// FeedbackOutput 反馈任务输出
type FeedbackOutput struct {
	EventID     string `json:"event_id"`
	ExceptionID string `json:"exception_id"`
	Status      string `json:"status"`
	Destination string `json:"destination"`
	Level       string `json:"severity_level"`
}

// FeedbackResulter 反馈结果处理器
type FeedbackResulter struct {
	dstData *FeedbackOutput
}

// NewFeedbackResulter 创建反馈结果处理器
func NewFeedbackResulter() *FeedbackResulter {
	return &FeedbackResulter{}
}

// Set 设置业务结果数据
func (r *FeedbackResulter) Set(ctx context.Context, data interface{}) error {
	res, ok := data.(*feedbackResult)
	if !ok || res.state == nil {
		return fmt.Errorf("unexpected feedback result %T", data)
	}
	r.dstData = &FeedbackOutput{
		EventID:     res.eventID,
		ExceptionID: res.state.ExceptionID,
		Status:      string(res.state.Status),
		Destination: string(res.state.Destination),
		Level:       string(res.state.SeverityLevel),
	}
	return nil
}

// Get 获取格式化后的输出
func (r *FeedbackResulter) Get(ctx context.Context) interface{} {
	return r.dstData
}

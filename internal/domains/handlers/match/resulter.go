package match

import (
	"context"
	"fmt"

	"oip/recon/internal/business"
)

// MatchOutput 匹配任务输出
type MatchOutput struct {
	ResultID       string   `json:"result_id"`
	TransactionID  string   `json:"transaction_id"`
	Score          float64  `json:"score"`
	Classification string   `json:"classification"`
	Decision       string   `json:"decision"`
	ReasonCodes    []string `json:"reason_codes"`
	ExceptionID    string   `json:"exception_id,omitempty"`
	Destination    string   `json:"destination,omitempty"`
	Duplicate      bool     `json:"duplicate,omitempty"`
}

// MatchResulter 匹配结果处理器
type MatchResulter struct {
	dstData *MatchOutput
}

// NewMatchResulter 创建匹配结果处理器
func NewMatchResulter() *MatchResulter {
	return &MatchResulter{}
}

// Set 设置业务结果数据
func (r *MatchResulter) Set(ctx context.Context, data interface{}) error {
	outcome, ok := data.(*business.ReconcileOutcome)
	if !ok || outcome == nil || outcome.Result == nil {
		return fmt.Errorf("unexpected match result %T", data)
	}

	res := outcome.Result
	out := &MatchOutput{
		ResultID:       res.ResultID,
		TransactionID:  res.TransactionID,
		Score:          res.Score,
		Classification: string(res.Classification),
		Decision:       string(res.Decision),
		ReasonCodes:    res.ReasonCodes,
	}
	if t := outcome.Triage; t != nil {
		out.Duplicate = t.Duplicate
		if t.Exception != nil {
			out.ExceptionID = t.Exception.ID
		}
		if t.State != nil {
			out.Destination = string(t.State.Destination)
		}
	}
	r.dstData = out
	return nil
}

// Get 获取格式化后的输出
func (r *MatchResulter) Get(ctx context.Context) interface{} {
	return r.dstData
}

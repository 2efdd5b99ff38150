package business

import (
	"context"
	"errors"

	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
	"oip/recon/pkg/errorutil"
)

// QueryService 只读查询（API 使用）
type QueryService struct {
	results    ResultStore
	exceptions ExceptionStore
	states     triage.StateStore
}

// NewQueryService 创建查询服务
func NewQueryService(store Store) *QueryService {
	return &QueryService{results: store, exceptions: store, states: store}
}

// GetResult 查询匹配结果
func (q *QueryService) GetResult(ctx context.Context, resultID string) (*matching.MatchingResult, error) {
	r, err := q.results.GetMatchingResult(ctx, resultID)
	if errors.Is(err, matching.ErrResultNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, errorutil.SystemIssue("load matching result", err)
	}
	return r, nil
}

// ExceptionView 异常 + 分诊状态
type ExceptionView struct {
	Exception *triage.ExceptionRecord `json:"exception"`
	State     *triage.TriageState     `json:"state,omitempty"`
}

// GetException 查询异常及其当前分诊状态
func (q *QueryService) GetException(ctx context.Context, id string) (*ExceptionView, error) {
	rec, err := q.exceptions.GetException(ctx, id)
	if errors.Is(err, triage.ErrExceptionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, errorutil.SystemIssue("load exception", err)
	}

	state, err := q.states.GetTriageState(ctx, id)
	if err != nil && !errors.Is(err, triage.ErrStateNotFound) {
		return nil, errorutil.SystemIssue("load triage state", err)
	}
	return &ExceptionView{Exception: rec, State: state}, nil
}

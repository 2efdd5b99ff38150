package business

import (
	"context"

	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/policy"
	"oip/recon/internal/business/triage"
)

// ResultStore MatchingResult 存储
type ResultStore interface {
	SaveMatchingResult(ctx context.Context, r *matching.MatchingResult) error
	GetMatchingResult(ctx context.Context, resultID string) (*matching.MatchingResult, error)
}

// ExceptionStore ExceptionRecord 存储
type ExceptionStore interface {
	SaveException(ctx context.Context, r *triage.ExceptionRecord) error
	GetException(ctx context.Context, id string) (*triage.ExceptionRecord, error)
}

// Store 持久层全部能力（MySQL / SQLite / 内存实现）
type Store interface {
	ResultStore
	ExceptionStore
	triage.StateStore
	policy.Store
}

// PolicyLearner 策略学习器（读快照 + 异步提交事件）
type PolicyLearner interface {
	Snapshot() *policy.Snapshot
	RecordEpisode(ctx context.Context, ep policy.Episode) error
	SubmitOutcome(ctx context.Context, o policy.Outcome) error
	SubmitOverride(ctx context.Context, o policy.Override) error
}

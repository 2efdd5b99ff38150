package recon

import (
	"context"

	"oip/recon/internal/business"
	"oip/recon/internal/business/matching"
	"oip/recon/pkg/logger"
)

// Publisher 任务投递（lmstfy 客户端）
type Publisher interface {
	Publish(ctx context.Context, queue string, data []byte) error
}

// Query 只读查询
type Query interface {
	GetResult(ctx context.Context, resultID string) (*matching.MatchingResult, error)
	GetException(ctx context.Context, id string) (*business.ExceptionView, error)
}

// Queues 各类任务的投递队列
type Queues struct {
	Match     string
	Exception string
	Feedback  string
}

// ReconHandler 对账运维 HTTP 处理器
type ReconHandler struct {
	publisher Publisher
	query     Query
	queues    Queues
	logger    logger.Logger
}

// NewReconHandler 创建处理器实例
func NewReconHandler(publisher Publisher, query Query, queues Queues, log logger.Logger) *ReconHandler {
	return &ReconHandler{
		publisher: publisher,
		query:     query,
		queues:    queues,
		logger:    log,
	}
}

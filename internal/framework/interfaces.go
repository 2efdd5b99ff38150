package framework

import (
	"context"
	"time"

	"oip/recon/pkg/logger"
)

// MessageSource 消息源接口（适配不同 MQ）
// 语义为至少一次：未 Ack 的消息在 TTR 到期后重投，处理方需幂等
type MessageSource interface {
	// Consume 消费消息（阻塞，直到拉取到消息或超时；超时返回 nil, nil）
	Consume(queue string, timeout time.Duration, ttr time.Duration) (*Message, error)

	// Ack 确认消息（删除消息）
	Ack(queue string, jobID string) error
}

// Logger 与 pkg/logger 共用同一接口，ctx 中的 trace_id/worker_id 等字段随日志输出
type Logger = logger.Logger

// ProcessorFunc 处理阶段（PreProcess/Process/PostProcess）
type ProcessorFunc func(ctx context.Context) error

// BusinessHandler 业务处理器接口
// 失败时同时返回错误响应和原始错误，调用方按错误决定 Ack/Bury/Release
type BusinessHandler interface {
	Handle(ctx context.Context) ([]byte, error)
}

// Resulter 结果处理器接口：把业务结果转换为回执输出
type Resulter interface {
	Set(ctx context.Context, data interface{}) error
	Get(ctx context.Context) interface{}
}

// HandlerFactory 按 action_type 构造 Handler；解码或校验失败返回不可重试错误
type HandlerFactory func(ctx context.Context, baseHandler *BaseHandler) (BusinessHandler, error)

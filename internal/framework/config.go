package framework

import (
	"errors"
	"time"
)

// 未配置时的默认值
const (
	DefaultConsumeTimeout = 3 * time.Second
	DefaultTTR            = time.Minute
	DefaultErrorBackoff   = time.Second
	DefaultProcessTimeout = 30 * time.Second
)

var (
	ErrQueueNameRequired = errors.New("queue name is required")
	ErrConcurrency       = errors.New("concurrency must be positive")
)

// SubscriberConfig Subscriber 配置
type SubscriberConfig struct {
	QueueName    string        // 队列名称
	Concurrency  int           // 并发拉取数
	Timeout      time.Duration // 拉取超时（lmstfy 长轮询秒数）
	TTR          time.Duration // Time-To-Run，未 Ack 的消息在 TTR 后重投
	Rate         time.Duration // 拉取间隔，<=0 不限速
	ErrorBackoff time.Duration // 错误退避基础时间
}

// Validate 校验并补齐默认值
func (c *SubscriberConfig) Validate() error {
	if c.QueueName == "" {
		return ErrQueueNameRequired
	}
	if c.Concurrency <= 0 {
		return ErrConcurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConsumeTimeout
	}
	if c.TTR <= 0 {
		c.TTR = DefaultTTR
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	return nil
}

// ProcessorConfig Processor 配置
type ProcessorConfig struct {
	Concurrency int           // 并发处理数
	BufferSize  int           // inputChan 缓冲区大小，未配置时等于并发数
	Timeout     time.Duration // 单个消息处理超时
}

// Validate 校验并补齐默认值
func (c *ProcessorConfig) Validate() error {
	if c.Concurrency <= 0 {
		return ErrConcurrency
	}
	if c.BufferSize <= 0 {
		c.BufferSize = c.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultProcessTimeout
	}
	return nil
}

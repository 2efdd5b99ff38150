package framework

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
)

// SubscriberStats 拉取计数
type SubscriberStats struct {
	Forwarded     int64 `json:"forwarded"`      // 已交给 Processor 的消息
	Redelivered   int64 `json:"redelivered"`    // 其中非首次投递的消息
	ConsumeErrors int64 `json:"consume_errors"` // 拉取失败次数
	Dropped       int64 `json:"dropped"`        // 关闭时未交出的消息，TTR 后由队列重投
}

// Subscriber 从一个队列拉取交易对/反馈消息，交给 Processor
type Subscriber struct {
	cfg        *SubscriberConfig
	source     MessageSource
	logger     Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	forwarded     *atomic.Int64
	redelivered   *atomic.Int64
	consumeErrors *atomic.Int64
	dropped       *atomic.Int64
}

// NewSubscriber 创建订阅者
func NewSubscriber(cfg *SubscriberConfig, source MessageSource, logger Logger) *Subscriber {
	return &Subscriber{
		cfg:           cfg,
		source:        source,
		logger:        logger,
		forwarded:     atomic.NewInt64(0),
		redelivered:   atomic.NewInt64(0),
		consumeErrors: atomic.NewInt64(0),
		dropped:       atomic.NewInt64(0),
	}
}

// Start 启动 Concurrency 个拉取协程，Stop 取消它们共用的子 Context
func (s *Subscriber) Start(parentCtx context.Context, inputChan chan<- *Message) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancelFunc = cancel

	s.logger.Infof(ctx, "[Subscriber] %s: starting %d pullers", s.cfg.QueueName, s.cfg.Concurrency)
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.loop(ctx, i, inputChan)
	}
	return nil
}

// Stop 不再拉取新消息
func (s *Subscriber) Stop() {
	s.logger.Infof(context.Background(), "[Subscriber] %s: stopping", s.cfg.QueueName)
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
}

// Wait 等待所有拉取协程退出
func (s *Subscriber) Wait() {
	s.wg.Wait()
	s.logger.Infof(context.Background(), "[Subscriber] %s: all pullers exited", s.cfg.QueueName)
}

// Stats 当前计数
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Forwarded:     s.forwarded.Load(),
		Redelivered:   s.redelivered.Load(),
		ConsumeErrors: s.consumeErrors.Load(),
		Dropped:       s.dropped.Load(),
	}
}

// newErrorBackoff 连续拉取失败时的指数退避，上限为 10 倍基础退避，永不放弃
func (s *Subscriber) newErrorBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ErrorBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = 10 * b.InitialInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// loop 单个拉取协程
func (s *Subscriber) loop(ctx context.Context, id int, inputChan chan<- *Message) {
	defer s.wg.Done()
	errBackoff := s.newErrorBackoff()

	for {
		// 1. 拉取（阻塞至多 Timeout）；队列不可用时退避，不退出
		msg, err := s.source.Consume(s.cfg.QueueName, s.cfg.Timeout, s.cfg.TTR)
		if err != nil {
			s.consumeErrors.Inc()
			wait := errBackoff.NextBackOff()
			s.logger.Warnf(ctx, "[Subscriber-%d] %s consume error: %v, retrying in %v", id, s.cfg.QueueName, err, wait)
			if !s.sleep(ctx, wait) {
				return
			}
			continue
		}
		errBackoff.Reset()

		if msg == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		// 2. 交给 Processor；关闭时未交出的消息不 Ack，留给队列重投
		select {
		case inputChan <- msg:
			s.forwarded.Inc()
			if msg.Attempts > 1 {
				s.redelivered.Inc()
				s.logger.Infof(ctx, "[Subscriber-%d] redelivered message %s (attempt %d)", id, msg.ID, msg.Attempts)
			}
		case <-ctx.Done():
			s.dropped.Inc()
			s.logger.Warnf(ctx, "[Subscriber-%d] shutdown, leaving message %s to redelivery", id, msg.ID)
			return
		}

		// 3. 限速
		if s.cfg.Rate > 0 && !s.sleep(ctx, s.cfg.Rate) {
			return
		}
	}
}

// sleep 等待 d，期间 ctx 结束返回 false
func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package framework

import (
	"context"
	"sync"
	"time"

	"github.com/bitleak/lmstfy/client"

	"oip/recon/pkg/lmstfyx"
	"oip/recon/pkg/logger"
	"oip/recon/pkg/retry"
)

// Processor 处理器：接收消息，调用业务处理函数，按结果 Ack/Bury/Release
type Processor struct {
	cfg        *ProcessorConfig
	proc       lmstfyx.Proc  // 业务处理函数（注入的 GetProcess）
	source     MessageSource // 用于 Ack
	logger     Logger
	shutdownCh chan struct{} // 专门的退出信号通道
	once       sync.Once
	wg         sync.WaitGroup
}

// NewProcessor 创建处理器
func NewProcessor(cfg *ProcessorConfig, proc lmstfyx.Proc, source MessageSource, logger Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		proc:       proc,
		source:     source,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Start 启动处理协程
func (p *Processor) Start(ctx context.Context, inputChan <-chan *Message) error {
	p.logger.Infof(ctx, "[Processor] Starting with %d workers", p.cfg.Concurrency)

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i
		p.wg.Add(1)
		go p.loop(ctx, workerID, inputChan)
	}

	return nil
}

// SignalShutdown 通知 Processor 准备退出（进入 Drain 模式）
func (p *Processor) SignalShutdown() {
	p.once.Do(func() {
		p.logger.Infof(context.Background(), "[Processor] Shutdown signal received")
		close(p.shutdownCh) // 关闭信号通道
	})
}

// Wait 等待所有处理协程退出
func (p *Processor) Wait() {
	p.wg.Wait()
	p.logger.Infof(context.Background(), "[Processor] All workers exited")
}

// loop 处理循环（单个 Worker）
func (p *Processor) loop(ctx context.Context, workerID int, inputChan <-chan *Message) {
	defer p.wg.Done()
	p.logger.Infof(ctx, "[Processor-%d] Started", workerID)

	for {
		select {
		// A. 正常业务处理
		case msg := <-inputChan:
			p.process(ctx, msg, workerID)

		// B. Drain 模式：处理完剩余消息再退出
		case <-p.shutdownCh:
			p.logger.Infof(ctx, "[Processor-%d] Entering DRAIN mode", workerID)
			count := 0
			for {
				select {
				case msg := <-inputChan:
					p.process(ctx, msg, workerID)
					count++
				default:
					// Channel 空了，安全退出
					p.logger.Infof(ctx, "[Processor-%d] Drained %d messages, exiting", workerID, count)
					return
				}
			}
		}
	}
}

// process 处理单个消息
func (p *Processor) process(ctx context.Context, msg *Message, workerID int) {
	if msg == nil {
		return
	}

	startTime := time.Now()

	// 1. 创建超时控制的 Context
	// Drain 阶段父 Context 可能已取消，处理本身不受影响
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	// 2. 注入元信息到 Context
	procCtx = logger.WithField(procCtx, logger.KeyWorkerID, workerID)
	procCtx = logger.WithField(procCtx, logger.KeyMessageID, msg.ID)
	procCtx = retry.WithDeliveryAttempt(procCtx, msg.Attempts)

	p.logger.Infof(procCtx, "[Processor-%d] Processing message: %s", workerID, msg.ID)

	// 3. 调用业务处理函数（注入的 GetProcess）
	job := &client.Job{
		ID:    msg.ID,
		Queue: msg.Queue,
		Data:  msg.Data,
	}

	resp := p.proc(procCtx, job)
	if resp == nil {
		resp = &lmstfyx.JobResp{Action: lmstfyx.JobRespStatusRelease}
	}

	// 4. 按处理结果执行 ACK/Bury/Release
	p.settle(procCtx, msg, resp, workerID)

	p.logger.Infof(procCtx, "[Processor-%d] Message processed: %s, action: %s, duration: %v",
		workerID, msg.ID, resp.Action, time.Since(startTime))
}

// settle 落实处理结果
// Success: Ack
// Bury: Ack 并记录原始消息（队列侧 tries 用尽后同样会进入死信）
// Release: 不 Ack，TTR 到期后由队列重新投递
func (p *Processor) settle(ctx context.Context, msg *Message, resp *lmstfyx.JobResp, workerID int) {
	switch resp.Action {
	case lmstfyx.JobRespStatusSuccess:
		p.ack(ctx, msg, workerID)
	case lmstfyx.JobRespStatusBury:
		p.logger.Warnf(ctx, "[Processor-%d] Burying message %s: %s", workerID, msg.ID, string(resp.Data))
		p.ack(ctx, msg, workerID)
	default:
		p.logger.Warnf(ctx, "[Processor-%d] Releasing message %s for redelivery (attempt %d)", workerID, msg.ID, msg.Attempts)
	}
}

func (p *Processor) ack(ctx context.Context, msg *Message, workerID int) {
	if err := p.source.Ack(msg.Queue, msg.ID); err != nil {
		// Ack 失败时消息会被重投，业务侧幂等
		p.logger.Errorf(ctx, "[Processor-%d] Ack failed for %s: %v", workerID, msg.ID, err)
	}
}

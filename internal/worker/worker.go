package worker

import (
	"context"
	"fmt"

	"oip/recon/internal/framework"
	"oip/recon/pkg/lmstfyx"
	"oip/recon/pkg/logger"
)

// Worker 一个队列的消费单元：Subscriber 拉取 → Processor 处理并 Ack/Bury/Release
type Worker interface {
	Start()
	Shutdown()
	GetName() string
	Stats() Stats
}

// Stats Worker 运行计数
type Stats struct {
	Name  string `json:"name"`
	Queue string `json:"queue"`
	framework.SubscriberStats
	Buffered int `json:"buffered"` // 已拉取、尚未被 Processor 取走的消息
}

// WorkerInstance Worker 实例
type WorkerInstance struct {
	ctx        context.Context
	name       string
	queue      string
	subscriber *framework.Subscriber
	processor  *framework.Processor
	inputChan  chan *framework.Message
	shutdownCh chan struct{}
	logger     logger.Logger
}

// NewWorkerInstance 校验配置并创建 Worker，proc 为按 action_type 分发的 GetProcess
func NewWorkerInstance(
	ctx context.Context,
	name string,
	subscriberCfg *framework.SubscriberConfig,
	processorCfg *framework.ProcessorConfig,
	source framework.MessageSource,
	proc lmstfyx.Proc,
	log logger.Logger,
) (Worker, error) {
	if err := subscriberCfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker %s subscriber: %w", name, err)
	}
	if err := processorCfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker %s processor: %w", name, err)
	}

	return &WorkerInstance{
		ctx:        ctx,
		name:       name,
		queue:      subscriberCfg.QueueName,
		subscriber: framework.NewSubscriber(subscriberCfg, source, log),
		processor:  framework.NewProcessor(processorCfg, proc, source, log),
		inputChan:  make(chan *framework.Message, processorCfg.BufferSize),
		shutdownCh: make(chan struct{}),
		logger:     log,
	}, nil
}

// Start 启动并阻塞到 Shutdown 完成
// Processor 先于 Subscriber 启动，拉到的消息不会积压在 channel 里
func (w *WorkerInstance) Start() {
	w.logger.Infof(w.ctx, "[Worker] %s consuming %s", w.name, w.queue)

	if err := w.processor.Start(w.ctx, w.inputChan); err != nil {
		w.logger.Errorf(w.ctx, "[Worker] %s processor start failed: %v", w.name, err)
	}
	if err := w.subscriber.Start(w.ctx, w.inputChan); err != nil {
		w.logger.Errorf(w.ctx, "[Worker] %s subscriber start failed: %v", w.name, err)
	}

	<-w.shutdownCh
}

// Shutdown 优雅退出：停止拉取 → 等拉取协程退出 → Processor 处理完 channel 中的存量 → 解除 Start 阻塞
// 处理中的消息不会丢：没来得及 Ack 的在 TTR 后由队列重投
func (w *WorkerInstance) Shutdown() {
	w.logger.Infof(w.ctx, "[Worker] %s closing", w.name)

	w.subscriber.Stop()
	w.subscriber.Wait()

	w.processor.SignalShutdown()
	w.processor.Wait()

	close(w.shutdownCh)
	w.logger.Infof(w.ctx, "[Worker] %s closed: %+v", w.name, w.Stats())
}

// GetName Worker 名称
func (w *WorkerInstance) GetName() string {
	return w.name
}

// Stats 当前计数
func (w *WorkerInstance) Stats() Stats {
	return Stats{
		Name:            w.name,
		Queue:           w.queue,
		SubscriberStats: w.subscriber.Stats(),
		Buffered:        len(w.inputChan),
	}
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"oip/recon/internal/domains"
	"oip/recon/internal/framework"
	"oip/recon/pkg/config"
	"oip/recon/pkg/logger"
)

// learnerStopTimeout 学习器退出时落盘的最长等待
const learnerStopTimeout = 10 * time.Second

// Manager 接口
type Manager interface {
	Start() error
	Shutdown()
}

// ManagerInstance Manager 实例
type ManagerInstance struct {
	ctx           context.Context
	cfg           *config.Config
	deps          *Deps
	app           *App
	workers       []Worker
	closing       *atomic.Bool
	shutdownCh    chan struct{}
	learnerCancel context.CancelFunc
	learnerDone   chan struct{}
	wg            sync.WaitGroup
	logger        logger.Logger
}

// NewManagerInstance 创建 Manager：连接依赖并装配服务
func NewManagerInstance(cfg *config.Config, log logger.Logger) (Manager, error) {
	ctx := context.Background()

	deps, err := OpenDeps(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	m, err := NewManagerWithDeps(cfg, deps, log)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	return m, nil
}

// NewManagerWithDeps 使用已连接的依赖创建 Manager
func NewManagerWithDeps(cfg *config.Config, deps *Deps, log logger.Logger) (*ManagerInstance, error) {
	ctx := context.Background()

	app, err := Assemble(cfg, deps, log)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble services: %w", err)
	}

	log.Infof(ctx, "[Manager] Initialized: store=%s, rules_version=%s", cfg.App.Store, app.RulesVersion)

	return &ManagerInstance{
		ctx:        ctx,
		cfg:        cfg,
		deps:       deps,
		app:        app,
		closing:    atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
		workers:    make([]Worker, 0),
		logger:     log,
	}, nil
}

// Start 启动 Manager
func (m *ManagerInstance) Start() error {
	m.logger.Infof(m.ctx, "[Manager] Starting...")

	// 1. 加载策略表并启动学习器
	if err := m.startLearner(); err != nil {
		return err
	}

	// 2. 加载所有 Worker
	if err := m.loadWorkers(); err != nil {
		return fmt.Errorf("failed to load workers: %w", err)
	}

	m.logger.Infof(m.ctx, "[Manager] All workers loaded, count: %d", len(m.workers))

	// 3. 启动所有 Worker（每个 Worker 在独立 goroutine）
	for _, worker := range m.workers {
		w := worker
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Start()
		}()
		m.logger.Infof(m.ctx, "[Manager] Worker started: %s", w.GetName())
	}

	m.logger.Infof(m.ctx, "[Manager] Start success")

	// 4. 阻塞等待退出信号
	<-m.shutdownCh

	return nil
}

// startLearner 学习器在 Worker 之前启动，保证分诊开始前策略表已加载
func (m *ManagerInstance) startLearner() error {
	if err := m.app.Learner.Load(m.ctx); err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.learnerCancel = cancel
	m.learnerDone = make(chan struct{})
	go func() {
		defer close(m.learnerDone)
		if err := m.app.Learner.Run(ctx); err != nil {
			m.logger.Errorf(m.ctx, "[Manager] Policy learner exited: %v", err)
		}
	}()
	return nil
}

// Shutdown 优雅退出
// 顺序：Worker 停止拉取并处理完存量 → 学习器落盘 → 关闭存储和连接
func (m *ManagerInstance) Shutdown() {
	m.logger.Infof(m.ctx, "[Manager] Began to close")

	// 原子操作，保证并发安全
	if m.closing.CAS(false, true) {
		// 1. 所有 Worker 安全退出
		for _, worker := range m.workers {
			m.logger.Infof(m.ctx, "[Manager] Shutting down worker: %s", worker.GetName())
			worker.Shutdown()
		}

		// 2. 等待所有 Worker 退出
		m.wg.Wait()

		// 3. 停止学习器（Run 退出前会保存策略表）
		if m.learnerCancel != nil {
			m.learnerCancel()
			select {
			case <-m.learnerDone:
			case <-time.After(learnerStopTimeout):
				m.logger.Warnf(m.ctx, "[Manager] Policy learner did not stop within %v", learnerStopTimeout)
			}
		}

		// 4. 关闭依赖
		if err := m.deps.Close(); err != nil {
			m.logger.Warnf(m.ctx, "[Manager] Close dependencies failed: %v", err)
		}

		// 5. 关闭信号通道
		close(m.shutdownCh)

		m.logger.Infof(m.ctx, "[Manager] Shutdown complete")
	}
}

// loadWorkers 加载所有 Worker
func (m *ManagerInstance) loadWorkers() error {
	getProcess := domains.GetProcess(m.logger, m.app.Services)

	for _, workerCfg := range m.cfg.Workers {
		subCfg := &framework.SubscriberConfig{
			QueueName:    workerCfg.QueueName,
			Concurrency:  workerCfg.Subscriber.Threads,
			Rate:         workerCfg.Subscriber.Rate,
			Timeout:      workerCfg.Subscriber.Timeout,
			TTR:          workerCfg.Subscriber.TTR,
			ErrorBackoff: workerCfg.Subscriber.ErrorBackoff,
		}

		procCfg := &framework.ProcessorConfig{
			Concurrency: workerCfg.Processor.Threads,
			BufferSize:  workerCfg.Processor.BufferSize,
			Timeout:     workerCfg.Processor.Timeout,
		}

		worker, err := NewWorkerInstance(
			m.ctx,
			workerCfg.Name,
			subCfg,
			procCfg,
			m.deps.Source, // MessageSource
			getProcess,    // lmstfyx.Proc
			m.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create worker %s: %w", workerCfg.Name, err)
		}

		m.workers = append(m.workers, worker)
	}

	return nil
}

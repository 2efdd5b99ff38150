package worker

import (
	"context"
	"fmt"

	"oip/recon/internal/business"
	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/policy"
	"oip/recon/internal/business/triage"
	"oip/recon/internal/domains/common"
	"oip/recon/internal/framework"
	"oip/recon/pkg/config"
	"oip/recon/pkg/infra/memory"
	"oip/recon/pkg/infra/mysql"
	"oip/recon/pkg/infra/redis"
	"oip/recon/pkg/infra/sqlite"
	"oip/recon/pkg/lmstfy"
	"oip/recon/pkg/logger"
	"oip/recon/pkg/retry"
)

// Deps 外部依赖（存储、队列、去重、通知）
type Deps struct {
	Store     business.Store
	Source    framework.MessageSource
	Publisher triage.Publisher
	Dedupe    triage.Deduper
	Notifier  triage.Notifier
	Recon     triage.ReconciliationLog
	closers   []func() error
}

// Close 按打开的逆序关闭
func (d *Deps) Close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closers = nil
	return firstErr
}

// OpenStore 按 app.store 打开存储
func OpenStore(cfg *config.Config) (business.Store, func() error, error) {
	switch cfg.App.Store {
	case config.StoreMySQL:
		s, err := mysql.NewReconStore(cfg.MySQL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreMemory:
		return memory.NewStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.App.Store)
	}
}

// OpenDeps 连接全部外部依赖
// redis.addr 为空时去重/通知/对账使用进程内实现（单实例部署）
func OpenDeps(ctx context.Context, cfg *config.Config, log logger.Logger) (*Deps, error) {
	deps := &Deps{}

	// 1. 存储
	store, closeStore, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.App.Store, err)
	}
	deps.Store = store
	deps.closers = append(deps.closers, closeStore)

	// 2. 消息队列
	lmstfyClient, err := lmstfy.NewClient(cfg.Lmstfy.Host, cfg.Lmstfy.Port, cfg.Lmstfy.Namespace, cfg.Lmstfy.Token)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to create lmstfy client: %w", err)
	}
	deps.Source = lmstfyClient
	deps.Publisher = lmstfyClient

	// 3. 去重 / 通知 / 对账
	if cfg.Redis.Addr == "" {
		log.Warnf(ctx, "[Bootstrap] redis.addr is empty, using in-process dedupe")
		deps.Dedupe = memory.NewDeduper()
		deps.Notifier = &memory.Notifier{}
		deps.Recon = memory.NewReconLog()
		return deps, nil
	}
	ps, err := redis.NewPubSub(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	deps.Dedupe = ps
	deps.Notifier = ps
	deps.Recon = ps
	deps.closers = append(deps.closers, ps.Close)

	return deps, nil
}

// App 装配好的业务服务
type App struct {
	Services     *common.Services
	Learner      *policy.Learner
	Query        *business.QueryService
	RulesVersion string
}

// Assemble 根据配置装配引擎、分诊、学习器和服务
func Assemble(cfg *config.Config, deps *Deps, log logger.Logger) (*App, error) {
	// 1. 匹配引擎
	matchCfg, err := cfg.Engine.MatchingConfig()
	if err != nil {
		return nil, fmt.Errorf("matching config: %w", err)
	}
	engine, err := matching.NewEngine(matchCfg)
	if err != nil {
		return nil, err
	}

	// 2. 分诊规则 + 队列
	rules, version, err := cfg.Engine.TriageRules()
	if err != nil {
		return nil, fmt.Errorf("triage rules: %w", err)
	}
	queues, err := cfg.Engine.DestinationQueues()
	if err != nil {
		return nil, fmt.Errorf("triage queues: %w", err)
	}

	// 3. 策略学习器
	learner, err := policy.NewLearner(cfg.Engine.Policy, deps.Store, log)
	if err != nil {
		return nil, fmt.Errorf("policy learner: %w", err)
	}

	// 4. 服务
	retryer := retry.NewRetryer(cfg.Engine.Retry.Policy(), log)
	delegator := triage.NewDelegator(
		triage.DelegatorConfig{Queues: queues, DedupeTTL: cfg.Engine.Triage.DedupeTTL},
		deps.Publisher, deps.Store, deps.Dedupe, deps.Notifier, deps.Recon, retryer, log,
	)
	triageSvc := business.NewTriageService(
		business.TriageServiceConfig{
			MaxExceptionRetries: cfg.Engine.Triage.MaxExceptionRetries,
			FeedbackDedupeTTL:   cfg.Engine.Triage.FeedbackDedupeTTL,
		},
		rules, version, delegator, deps.Store, deps.Store, deps.Dedupe, learner, retryer, log,
	)

	return &App{
		Services: &common.Services{
			Reconcile: business.NewReconcileService(engine, deps.Store, triageSvc, retryer, log),
			Triage:    triageSvc,
			Validate:  common.NewValidator(),
			Log:       log,
		},
		Learner:      learner,
		Query:        business.NewQueryService(deps.Store),
		RulesVersion: version,
	}, nil
}

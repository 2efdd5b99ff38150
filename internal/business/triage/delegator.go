package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"oip/recon/pkg/errorutil"
	"oip/recon/pkg/logger"
	"oip/recon/pkg/retry"
)

// Publisher 目的地队列发布接口
type Publisher interface {
	Publish(ctx context.Context, queue string, data []byte) error
}

// StateStore TriageState 持久化接口（按 exception_id 最后写入者胜出）
type StateStore interface {
	SaveTriageState(ctx context.Context, state *TriageState) error
	GetTriageState(ctx context.Context, exceptionID string) (*TriageState, error)
}

// Deduper 幂等去重（同一个 key 只能被认领一次）
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Notifier 分派完成通知（尽力而为）
type Notifier interface {
	NotifyAssigned(ctx context.Context, state *TriageState) error
}

// ReconciliationLog 记录需要人工对账的不一致
type ReconciliationLog interface {
	RecordInconsistency(ctx context.Context, exceptionID string, reason string) error
}

// DelegationMessage 投递到目的地队列的消息：处理人行动所需的最少字段
type DelegationMessage struct {
	ExceptionID   string      `json:"exception_id"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Category      Category    `json:"category"`
	SeverityScore float64     `json:"severity_score"`
	SeverityLevel Level       `json:"severity_level"`
	Priority      int         `json:"priority"`
	SLADeadline   time.Time   `json:"sla_deadline"`
	Destination   Destination `json:"destination"`
	Summary       string      `json:"summary"`
}

// DelegationResult 投递结果
type DelegationResult struct {
	Queue               string `json:"queue"`
	Published           bool   `json:"published"`            // 本次确实发布了消息
	Duplicate           bool   `json:"duplicate"`            // 之前已发布过（重复投递）
	NeedsReconciliation bool   `json:"needs_reconciliation"` // 发布成功但状态落库失败
}

// DelegatorConfig Delegator 配置
type DelegatorConfig struct {
	Queues    map[Destination]string // 目的地 → 队列名
	DedupeTTL time.Duration          // 投递去重保留时长
}

// Delegator 发布到目的地队列并把 TriageState 写为 ASSIGNED
// 发布与落库不在一个事务里：至少一次投递 + 不一致记录对账
type Delegator struct {
	cfg       DelegatorConfig
	publisher Publisher
	store     StateStore
	dedupe    Deduper
	notifier  Notifier
	recon     ReconciliationLog
	retryer   *retry.Retryer
	logger    logger.Logger
	now       func() time.Time
}

// NewDelegator 创建 Delegator；notifier / recon 可为 nil
func NewDelegator(
	cfg DelegatorConfig,
	publisher Publisher,
	store StateStore,
	dedupe Deduper,
	notifier Notifier,
	recon ReconciliationLog,
	retryer *retry.Retryer,
	log logger.Logger,
) *Delegator {
	return &Delegator{
		cfg:       cfg,
		publisher: publisher,
		store:     store,
		dedupe:    dedupe,
		notifier:  notifier,
		recon:     recon,
		retryer:   retryer,
		logger:    log,
		now:       time.Now,
	}
}

// Delegate 发布 + 落库
// 发布重试耗尽时返回 SYSTEM_ISSUE 错误，state 不会被修改为 ASSIGNED
func (d *Delegator) Delegate(ctx context.Context, state *TriageState, rec *ExceptionRecord) (*DelegationResult, error) {
	return d.delegate(ctx, state, rec, fmt.Sprintf("delegation:%s:%s", state.ExceptionID, state.Destination))
}

// Redelegate 人工改派后的再次投递，去重 key 带上改派事件 id
// 同一异常可以多次回到之前去过的目的地（A → B → A），同一改派事件重投仍只发布一次
func (d *Delegator) Redelegate(ctx context.Context, state *TriageState, rec *ExceptionRecord, eventID string) (*DelegationResult, error) {
	return d.delegate(ctx, state, rec, fmt.Sprintf("delegation:%s:%s:%s", state.ExceptionID, state.Destination, eventID))
}

func (d *Delegator) delegate(ctx context.Context, state *TriageState, rec *ExceptionRecord, claimKey string) (*DelegationResult, error) {
	queue, ok := d.cfg.Queues[state.Destination]
	if !ok || queue == "" {
		return nil, errorutil.NonRetriable(fmt.Sprintf("no queue configured for destination %s", state.Destination))
	}
	result := &DelegationResult{Queue: queue}

	// 1. 构造消息
	data, err := json.Marshal(d.buildMessage(state, rec))
	if err != nil {
		return nil, fmt.Errorf("marshal delegation message: %w", err)
	}

	// 2. 去重认领：重复投递的消息不再发布
	claimed := true
	if d.dedupe != nil {
		claimed, err = d.dedupe.Claim(ctx, claimKey, d.cfg.DedupeTTL)
		if err != nil {
			// 去重存储不可用时退化为至少一次投递
			d.logger.Warnf(ctx, "[Delegator] dedupe claim failed for %s: %v, publishing anyway", state.ExceptionID, err)
			claimed = true
		}
	}

	// 3. 发布（有界指数退避）
	if claimed {
		err = d.retryer.Do(ctx, "publish "+queue, func(ctx context.Context) error {
			return d.publisher.Publish(ctx, queue, data)
		})
		if err != nil {
			if d.dedupe != nil {
				if rerr := d.dedupe.Release(ctx, claimKey); rerr != nil {
					d.logger.Warnf(ctx, "[Delegator] release claim %s failed: %v", claimKey, rerr)
				}
			}
			return nil, err
		}
		result.Published = true
	} else {
		result.Duplicate = true
		d.logger.Infof(ctx, "[Delegator] %s already delegated to %s, skip publish", state.ExceptionID, state.Destination)
	}

	// 4. 更新并落库 TriageState
	now := d.now().UTC()
	state.Status = StatusAssigned
	state.AssignedTo = string(state.Destination)
	state.AssignedAt = &now
	state.UpdatedAt = now

	err = d.retryer.Do(ctx, "persist triage state", func(ctx context.Context) error {
		return d.store.SaveTriageState(ctx, state)
	})
	if err != nil {
		result.NeedsReconciliation = true
		d.logger.Errorf(ctx, "[Delegator] inconsistency: exception %s published to %s but triage state not persisted, reconciliation required: %v",
			state.ExceptionID, queue, err)
		if d.recon != nil {
			if rerr := d.recon.RecordInconsistency(ctx, state.ExceptionID, err.Error()); rerr != nil {
				d.logger.Errorf(ctx, "[Delegator] record inconsistency for %s failed: %v", state.ExceptionID, rerr)
			}
		}
		return result, nil
	}

	// 5. 通知（尽力而为）
	if d.notifier != nil && result.Published {
		if err := d.notifier.NotifyAssigned(ctx, state); err != nil {
			d.logger.Warnf(ctx, "[Delegator] notify %s failed: %v", state.ExceptionID, err)
		}
	}

	d.logger.Infof(ctx, "[Delegator] exception %s assigned to %s (priority=%d, sla=%s)",
		state.ExceptionID, state.Destination, state.Priority, state.SLADeadline.Format(time.RFC3339))
	return result, nil
}

// buildMessage 摘要只包含原因码和错误信息，不做格式化渲染
func (d *Delegator) buildMessage(state *TriageState, rec *ExceptionRecord) *DelegationMessage {
	summary := strings.Join(rec.ReasonCodes, ",")
	if rec.ErrorMessage != "" {
		if summary != "" {
			summary += "; "
		}
		summary += rec.ErrorMessage
	}

	return &DelegationMessage{
		ExceptionID:   state.ExceptionID,
		TransactionID: state.TransactionID,
		Category:      state.Category,
		SeverityScore: state.SeverityScore,
		SeverityLevel: state.SeverityLevel,
		Priority:      state.Priority,
		SLADeadline:   state.SLADeadline,
		Destination:   state.Destination,
		Summary:       summary,
	}
}

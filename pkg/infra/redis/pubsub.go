package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"oip/recon/common/model"
	"oip/recon/internal/business/triage"
)

// 键与频道
const (
	NotifyChannelPrefix = "triage:"     // 分派通知频道 triage:<destination>
	PendingReconKey     = "recon:pending" // 发布成功但落库失败，待对账的异常
	dedupePrefix        = "recon:dedupe:"
)

// PubSub Redis 客户端：分派通知、去重、对账记录
type PubSub struct {
	client redis.Cmdable
	closer func() error
	now    func() time.Time
}

// NewPubSub 创建 PubSub 实例
func NewPubSub(addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &PubSub{
		client: client,
		closer: client.Close,
		now:    time.Now,
	}, nil
}

// NewWithClient 使用已有客户端（测试注入 redismock）
func NewWithClient(client redis.Cmdable) *PubSub {
	return &PubSub{client: client, now: time.Now}
}

// NotifyAssigned 发布分派通知（实现 triage.Notifier）
func (p *PubSub) NotifyAssigned(ctx context.Context, st *triage.TriageState) error {
	notification := &model.TriageNotification{
		ExceptionID:   st.ExceptionID,
		TransactionID: st.TransactionID,
		Category:      string(st.Category),
		SeverityLevel: string(st.SeverityLevel),
		Destination:   string(st.Destination),
		Priority:      st.Priority,
		SLADeadline:   st.SLADeadline,
		Timestamp:     p.now().Unix(),
	}

	// 序列化通知消息
	msgJSON, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// 发布到 Redis 频道
	if err := p.client.Publish(ctx, NotifyChannelPrefix+string(st.Destination), msgJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Claim 认领去重键（实现 triage.Deduper）：首次返回 true
func (p *PubSub) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, dedupePrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release 释放去重键，使后续重投可以再次处理
func (p *PubSub) Release(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, dedupePrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// reconEntry 对账记录
type reconEntry struct {
	ExceptionID string `json:"exception_id"`
	Reason      string `json:"reason"`
	Timestamp   int64  `json:"timestamp"`
}

// RecordInconsistency 记录发布与落库不一致（实现 triage.ReconciliationLog）
func (p *PubSub) RecordInconsistency(ctx context.Context, exceptionID string, reason string) error {
	data, err := json.Marshal(&reconEntry{ExceptionID: exceptionID, Reason: reason, Timestamp: p.now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal recon entry: %w", err)
	}
	if err := p.client.RPush(ctx, PendingReconKey, data).Err(); err != nil {
		return fmt.Errorf("failed to record inconsistency: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接
func (p *PubSub) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

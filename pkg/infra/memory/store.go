// Package memory 进程内实现（fasttest -skip-db 和单元测试使用）
package memory

import (
	"context"
	"sync"
	"time"

	"oip/recon/common/entity"
	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
)

// Store 内存存储；保存实体副本，调用方修改返回值不影响已存数据
type Store struct {
	mu         sync.RWMutex
	results    map[string]*entity.MatchingResult
	exceptions map[string]*entity.Exception
	states     map[string]*entity.TriageState
	policies   map[string][]byte
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		results:    make(map[string]*entity.MatchingResult),
		exceptions: make(map[string]*entity.Exception),
		states:     make(map[string]*entity.TriageState),
		policies:   make(map[string][]byte),
	}
}

// SaveMatchingResult 结果只插入；同一 ResultID 重复写入忽略
func (s *Store) SaveMatchingResult(ctx context.Context, r *matching.MatchingResult) error {
	po, err := entity.FromMatchingResult(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[po.ResultID]; !ok {
		s.results[po.ResultID] = po
	}
	return nil
}

// GetMatchingResult 查询匹配结果
func (s *Store) GetMatchingResult(ctx context.Context, resultID string) (*matching.MatchingResult, error) {
	s.mu.RLock()
	po, ok := s.results[resultID]
	s.mu.RUnlock()
	if !ok {
		return nil, matching.ErrResultNotFound
	}
	return po.ToDomain()
}

// SaveException 异常只插入
func (s *Store) SaveException(ctx context.Context, r *triage.ExceptionRecord) error {
	po, err := entity.FromException(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exceptions[po.ID]; !ok {
		s.exceptions[po.ID] = po
	}
	return nil
}

// GetException 查询异常
func (s *Store) GetException(ctx context.Context, id string) (*triage.ExceptionRecord, error) {
	s.mu.RLock()
	po, ok := s.exceptions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, triage.ErrExceptionNotFound
	}
	return po.ToDomain()
}

// SaveTriageState 按 exception_id 覆盖写
func (s *Store) SaveTriageState(ctx context.Context, st *triage.TriageState) error {
	po := entity.FromTriageState(st)
	s.mu.Lock()
	s.states[po.ExceptionID] = po
	s.mu.Unlock()
	return nil
}

// GetTriageState 查询分诊状态
func (s *Store) GetTriageState(ctx context.Context, exceptionID string) (*triage.TriageState, error) {
	s.mu.RLock()
	po, ok := s.states[exceptionID]
	s.mu.RUnlock()
	if !ok {
		return nil, triage.ErrStateNotFound
	}
	return po.ToDomain(), nil
}

// LoadPolicy 读取策略表；不存在时返回 nil
func (s *Store) LoadPolicy(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.policies[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// SavePolicy 保存策略表
func (s *Store) SavePolicy(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.policies[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// StatesByStatus 按状态列出（测试与 fasttest 汇总使用）
func (s *Store) StatesByStatus(status triage.ResolutionStatus) []*triage.TriageState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*triage.TriageState
	for _, po := range s.states {
		if po.Status == string(status) {
			out = append(out, po.ToDomain())
		}
	}
	return out
}

// Deduper 带过期时间的内存去重
type Deduper struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewDeduper 创建内存去重器
func NewDeduper() *Deduper {
	return &Deduper{keys: make(map[string]time.Time), now: time.Now}
}

// Claim 首次认领返回 true；ttl <= 0 表示永不过期
func (d *Deduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.keys[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	d.keys[key] = exp
	return true, nil
}

// Release 释放认领
func (d *Deduper) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.keys, key)
	d.mu.Unlock()
	return nil
}

// ReconLog 内存对账记录
type ReconLog struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewReconLog 创建内存对账记录
func NewReconLog() *ReconLog {
	return &ReconLog{entries: make(map[string]string)}
}

// RecordInconsistency 记录发布成功但落库失败的异常
func (r *ReconLog) RecordInconsistency(ctx context.Context, exceptionID string, reason string) error {
	r.mu.Lock()
	r.entries[exceptionID] = reason
	r.mu.Unlock()
	return nil
}

// Pending 待对账的异常
func (r *ReconLog) Pending() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Notifier 内存通知记录
type Notifier struct {
	mu       sync.Mutex
	assigned []triage.TriageState
}

// NotifyAssigned 记录一次分派通知
func (n *Notifier) NotifyAssigned(ctx context.Context, st *triage.TriageState) error {
	n.mu.Lock()
	n.assigned = append(n.assigned, *st)
	n.mu.Unlock()
	return nil
}

// Assigned 已通知的分派
func (n *Notifier) Assigned() []triage.TriageState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]triage.TriageState(nil), n.assigned...)
}

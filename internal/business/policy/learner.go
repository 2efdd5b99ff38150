package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"oip/recon/internal/business/triage"
	"oip/recon/pkg/logger"
)

// TableKey 策略表在存储中的唯一键
const TableKey = "default"

var (
	ErrLearnerStopped = errors.New("policy learner stopped")
	ErrInvalidEvent   = errors.New("invalid policy event")
)

// Store 策略表持久化接口（整表读写）
type Store interface {
	LoadPolicy(ctx context.Context, key string) ([]byte, error)
	SavePolicy(ctx context.Context, key string, data []byte) error
}

// Config 学习器配置
type Config struct {
	LearningRate          float64       `mapstructure:"learning_rate"`           // α
	Discount              float64       `mapstructure:"discount"`                // γ，单步决策默认 0
	SupervisedWeight      float64       `mapstructure:"supervised_weight"`       // 人工纠正的权重倍数
	MaxSeverityAdjustment float64       `mapstructure:"max_severity_adjustment"` // 严重度修正上下限
	OverrideMargin        float64       `mapstructure:"override_margin"`         // 改写路由需要领先静态目的地的价值
	MinVisits             int           `mapstructure:"min_visits"`              // 改写路由需要的最少更新次数
	EpisodeTTL            time.Duration `mapstructure:"episode_ttl"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	SaveInterval          time.Duration `mapstructure:"save_interval"`
	QueueSize             int           `mapstructure:"queue_size"`
	AppliedCacheSize      int           `mapstructure:"applied_cache_size"` // 已应用事件去重 LRU 容量
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		LearningRate:          0.1,
		Discount:              0,
		SupervisedWeight:      3,
		MaxSeverityAdjustment: 0.2,
		OverrideMargin:        0.1,
		MinVisits:             3,
		EpisodeTTL:            72 * time.Hour,
		SweepInterval:         time.Minute,
		SaveInterval:          5 * time.Minute,
		QueueSize:             1024,
		AppliedCacheSize:      100000,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("policy learning_rate must be in (0,1], got %v", c.LearningRate)
	}
	if c.Discount < 0 || c.Discount >= 1 {
		return fmt.Errorf("policy discount must be in [0,1), got %v", c.Discount)
	}
	if c.SupervisedWeight < 1 {
		return fmt.Errorf("policy supervised_weight must be >= 1, got %v", c.SupervisedWeight)
	}
	if c.MaxSeverityAdjustment < 0 || c.MaxSeverityAdjustment > 1 {
		return fmt.Errorf("policy max_severity_adjustment must be in [0,1], got %v", c.MaxSeverityAdjustment)
	}
	if c.EpisodeTTL <= 0 || c.QueueSize <= 0 || c.AppliedCacheSize <= 0 {
		return fmt.Errorf("policy episode_ttl, queue_size and applied_cache_size must be positive")
	}
	return nil
}

// Episode 一次分诊决策：状态 + 采取的动作
type Episode struct {
	ExceptionID string             `json:"exception_id"`
	Key         triage.StateKey    `json:"key"`
	StateVector []float64          `json:"state_vector"`
	Action      triage.Destination `json:"action"`
	Static      triage.Destination `json:"static"`
	Severity    float64            `json:"severity"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// Outcome 处理结果反馈
type Outcome struct {
	EventID           string        `json:"event_id"`
	ExceptionID       string        `json:"exception_id"`
	ResolvedWithinSLA bool          `json:"resolved_within_sla"`
	RoutingCorrect    bool          `json:"routing_correct"`
	ResolutionTime    time.Duration `json:"resolution_time"`

	// Episode 由持久化的分诊状态重建的 episode，进程重启后内存里没有待结算 episode 时使用
	Episode *Episode `json:"episode,omitempty"`
}

// Override 人工在分派时的纠正
type Override struct {
	EventID        string             `json:"event_id"`
	ExceptionID    string             `json:"exception_id"`
	Key            triage.StateKey    `json:"key"`
	From           triage.Destination `json:"from"`
	To             triage.Destination `json:"to"`
	ScoredSeverity float64            `json:"scored_severity"`
	Severity       *float64           `json:"severity,omitempty"` // 人工给出的严重度，nil 表示未改
}

// Reward 奖励表：SLA 内且路由正确 +1，SLA 内路由次优 +0.5，超时路由正确 -0.5，超时且路由错误 -1
func Reward(withinSLA, routingCorrect bool) float64 {
	switch {
	case withinSLA && routingCorrect:
		return 1.0
	case withinSLA:
		return 0.5
	case routingCorrect:
		return -0.5
	default:
		return -1.0
	}
}

// Stats 学习器计数
type Stats struct {
	PendingEpisodes int64 `json:"pending_episodes"`
	Outcomes        int64 `json:"outcomes"`
	Overrides       int64 `json:"overrides"`
	Duplicates      int64 `json:"duplicates"`
	Expired         int64 `json:"expired"`
	Unmatched       int64 `json:"unmatched"`
	Rebuilt         int64 `json:"rebuilt"`
}

type eventKind int

const (
	eventEpisode eventKind = iota
	eventOutcome
	eventOverride
	eventFlush
)

type event struct {
	kind     eventKind
	episode  *Episode
	outcome  *Outcome
	override *Override
	done     chan struct{}
}

// Learner 策略学习器
// 所有写操作都在 Run 的单个 goroutine 中串行执行，读方通过 Snapshot 拿到不可变快照
type Learner struct {
	cfg    Config
	store  Store
	logger logger.Logger
	now    func() time.Time

	events   chan event
	snapshot *atomic.Pointer[Snapshot]
	stopped  *atomic.Bool

	// 以下字段只由写 goroutine 访问
	entries  map[triage.StateKey]*Entry
	episodes map[string]*Episode
	applied  *lru.Cache[string, struct{}]
	dirty    bool

	pending    *atomic.Int64
	outcomes   *atomic.Int64
	overrides  *atomic.Int64
	duplicates *atomic.Int64
	expired    *atomic.Int64
	unmatched  *atomic.Int64
	rebuilt    *atomic.Int64
}

// NewLearner 创建学习器（空表），store 可为 nil（不持久化）
func NewLearner(cfg Config, store Store, log logger.Logger) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	applied, err := lru.New[string, struct{}](cfg.AppliedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create applied cache: %w", err)
	}

	return &Learner{
		cfg:        cfg,
		store:      store,
		logger:     log,
		now:        time.Now,
		events:     make(chan event, cfg.QueueSize),
		snapshot:   atomic.NewPointer(emptySnapshot(cfg)),
		stopped:    atomic.NewBool(false),
		entries:    make(map[triage.StateKey]*Entry),
		episodes:   make(map[string]*Episode),
		applied:    applied,
		pending:    atomic.NewInt64(0),
		outcomes:   atomic.NewInt64(0),
		overrides:  atomic.NewInt64(0),
		duplicates: atomic.NewInt64(0),
		expired:    atomic.NewInt64(0),
		unmatched:  atomic.NewInt64(0),
		rebuilt:    atomic.NewInt64(0),
	}, nil
}

// Snapshot 当前策略快照（只读）
func (l *Learner) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// Stats 当前计数
func (l *Learner) Stats() Stats {
	return Stats{
		PendingEpisodes: l.pending.Load(),
		Outcomes:        l.outcomes.Load(),
		Overrides:       l.overrides.Load(),
		Duplicates:      l.duplicates.Load(),
		Expired:         l.expired.Load(),
		Unmatched:       l.unmatched.Load(),
		Rebuilt:         l.rebuilt.Load(),
	}
}

// Load 从存储加载策略表，必须在 Run 之前调用
// 加载失败时保留空表（退化为静态规则）并返回错误供调用方记录
func (l *Learner) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	data, err := l.store.LoadPolicy(ctx, TableKey)
	if err != nil {
		l.logger.Warnf(ctx, "[PolicyLearner] load policy failed, falling back to static rules: %v", err)
		return err
	}
	if len(data) == 0 {
		l.logger.Infof(ctx, "[PolicyLearner] no stored policy, starting empty")
		return nil
	}

	entries, err := decodeTable(data)
	if err != nil {
		l.logger.Warnf(ctx, "[PolicyLearner] stored policy unreadable, falling back to static rules: %v", err)
		return err
	}
	l.entries = entries
	l.publish()
	l.logger.Infof(ctx, "[PolicyLearner] loaded policy with %d states", len(entries))
	return nil
}

// RecordEpisode 记录分诊决策
func (l *Learner) RecordEpisode(ctx context.Context, ep Episode) error {
	if ep.ExceptionID == "" || triage.DestinationIndex(ep.Action) < 0 {
		return fmt.Errorf("%w: episode needs exception id and a known action", ErrInvalidEvent)
	}
	if ep.RecordedAt.IsZero() {
		ep.RecordedAt = l.now()
	}
	return l.submit(ctx, event{kind: eventEpisode, episode: &ep})
}

// SubmitOutcome 提交处理结果
func (l *Learner) SubmitOutcome(ctx context.Context, o Outcome) error {
	if o.ExceptionID == "" {
		return fmt.Errorf("%w: outcome needs exception id", ErrInvalidEvent)
	}
	return l.submit(ctx, event{kind: eventOutcome, outcome: &o})
}

// SubmitOverride 提交人工纠正（监督更新）
func (l *Learner) SubmitOverride(ctx context.Context, o Override) error {
	if o.ExceptionID == "" || triage.DestinationIndex(o.To) < 0 {
		return fmt.Errorf("%w: override needs exception id and a known destination", ErrInvalidEvent)
	}
	return l.submit(ctx, event{kind: eventOverride, override: &o})
}

// Flush 等待之前提交的事件全部处理完
func (l *Learner) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := l.submit(ctx, event{kind: eventFlush, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Learner) submit(ctx context.Context, ev event) error {
	if l.stopped.Load() {
		return ErrLearnerStopped
	}
	select {
	case l.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 写 goroutine：串行处理事件、定期清理过期 episode、定期持久化
// ctx 结束后处理完缓冲中的事件，做最后一次保存再返回
func (l *Learner) Run(ctx context.Context) error {
	sweep := time.NewTicker(positive(l.cfg.SweepInterval, time.Minute))
	defer sweep.Stop()

	var saveC <-chan time.Time
	if l.store != nil && l.cfg.SaveInterval > 0 {
		save := time.NewTicker(l.cfg.SaveInterval)
		defer save.Stop()
		saveC = save.C
	}

	l.logger.Infof(ctx, "[PolicyLearner] started (alpha=%.3f, states=%d)", l.cfg.LearningRate, len(l.entries))

	for {
		select {
		case ev := <-l.events:
			l.handle(ctx, ev)

		case <-sweep.C:
			l.sweep(ctx)

		case <-saveC:
			if err := l.save(ctx); err != nil {
				l.logger.Errorf(ctx, "[PolicyLearner] periodic save failed, keeping in-memory policy: %v", err)
			}

		case <-ctx.Done():
			l.stopped.Store(true)
			l.drain()

			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.save(saveCtx); err != nil {
				l.logger.Errorf(saveCtx, "[PolicyLearner] final save failed: %v", err)
				return err
			}
			l.logger.Infof(saveCtx, "[PolicyLearner] stopped, %d states saved", len(l.entries))
			return nil
		}
	}
}

// drain 处理停止前已入队的事件
func (l *Learner) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-l.events:
			l.handle(ctx, ev)
		default:
			return
		}
	}
}

func (l *Learner) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventEpisode:
		l.onEpisode(ctx, ev.episode)
	case eventOutcome:
		l.onOutcome(ctx, ev.outcome)
	case eventOverride:
		l.onOverride(ctx, ev.override)
	case eventFlush:
		close(ev.done)
	}
}

func (l *Learner) onEpisode(ctx context.Context, ep *Episode) {
	// 已经结算过的异常不再记录（重投）
	if l.applied.Contains(outcomeKey(ep.ExceptionID)) {
		l.duplicates.Inc()
		return
	}
	if _, ok := l.episodes[ep.ExceptionID]; ok {
		l.duplicates.Inc()
		return
	}
	l.episodes[ep.ExceptionID] = ep
	l.pending.Store(int64(len(l.episodes)))
	l.logger.Debugf(ctx, "[PolicyLearner] episode %s recorded at %s -> %s", ep.ExceptionID, ep.Key, ep.Action)
}

func (l *Learner) onOutcome(ctx context.Context, o *Outcome) {
	l.sweep(ctx)

	if o.EventID != "" && l.applied.Contains(eventKey(o.EventID)) {
		l.duplicates.Inc()
		return
	}
	if l.applied.Contains(outcomeKey(o.ExceptionID)) {
		l.duplicates.Inc()
		return
	}

	ep, ok := l.episodes[o.ExceptionID]
	switch {
	case ok:
		delete(l.episodes, o.ExceptionID)
		l.pending.Store(int64(len(l.episodes)))
	case l.usable(o.Episode):
		ep = o.Episode
		l.rebuilt.Inc()
		l.logger.Infof(ctx, "[PolicyLearner] outcome for %s uses rebuilt episode %s -> %s", o.ExceptionID, ep.Key, ep.Action)
	default:
		l.unmatched.Inc()
		l.logger.Infof(ctx, "[PolicyLearner] outcome for %s has no pending episode, ignored", o.ExceptionID)
		return
	}

	reward := Reward(o.ResolvedWithinSLA, o.RoutingCorrect)
	entry := l.entry(ep.Key)
	idx := triage.DestinationIndex(ep.Action)

	before := entry.Values[idx]
	target := reward + l.cfg.Discount*maxOf(entry.Values)
	entry.Values[idx] = before + l.cfg.LearningRate*(target-before)

	// 超时说明严重度偏低，向上修正；按时解决则向 0 回落
	limit := l.cfg.MaxSeverityAdjustment
	want := 0.0
	if !o.ResolvedWithinSLA {
		want = limit
	}
	entry.SeverityAdjust = clamp(entry.SeverityAdjust+l.cfg.LearningRate*(want-entry.SeverityAdjust), -limit, limit)
	entry.Visits++

	if o.EventID != "" {
		l.applied.Add(eventKey(o.EventID), struct{}{})
	}
	l.applied.Add(outcomeKey(o.ExceptionID), struct{}{})
	l.outcomes.Inc()
	l.dirty = true
	l.publish()

	l.logger.Infof(ctx, "[PolicyLearner] outcome %s: state=%s action=%s reward=%.2f Q %.4f -> %.4f",
		o.ExceptionID, ep.Key, ep.Action, reward, before, entry.Values[idx])
}

func (l *Learner) onOverride(ctx context.Context, o *Override) {
	if o.EventID != "" {
		if l.applied.Contains(eventKey(o.EventID)) {
			l.duplicates.Inc()
			return
		}
		l.applied.Add(eventKey(o.EventID), struct{}{})
	}

	rate := math.Min(1, l.cfg.LearningRate*l.cfg.SupervisedWeight)
	entry := l.entry(o.Key)

	if to := triage.DestinationIndex(o.To); to >= 0 {
		entry.Values[to] += rate * (1 - entry.Values[to])
	}
	if from := triage.DestinationIndex(o.From); from >= 0 && o.From != o.To {
		entry.Values[from] += rate * (-1 - entry.Values[from])
	}
	if o.Severity != nil {
		limit := l.cfg.MaxSeverityAdjustment
		want := clamp(*o.Severity-o.ScoredSeverity, -limit, limit)
		entry.SeverityAdjust = clamp(entry.SeverityAdjust+rate*(want-entry.SeverityAdjust), -limit, limit)
	}
	entry.Visits++

	// 人工改派后，原 episode 的动作随之改为新目的地
	if ep, ok := l.episodes[o.ExceptionID]; ok && o.To != "" {
		ep.Action = o.To
	}

	l.overrides.Inc()
	l.dirty = true
	l.publish()

	l.logger.Infof(ctx, "[PolicyLearner] override %s at %s: %s -> %s (rate=%.2f)", o.ExceptionID, o.Key, o.From, o.To, rate)
}

// usable 重建的 episode 只在 TTL 之内且动作合法时参与结算
func (l *Learner) usable(ep *Episode) bool {
	if ep == nil || triage.DestinationIndex(ep.Action) < 0 {
		return false
	}
	return !ep.RecordedAt.Before(l.now().Add(-l.cfg.EpisodeTTL))
}

// sweep 丢弃超过 TTL 仍未结算的 episode
func (l *Learner) sweep(ctx context.Context) {
	cutoff := l.now().Add(-l.cfg.EpisodeTTL)
	n := 0
	for id, ep := range l.episodes {
		if ep.RecordedAt.Before(cutoff) {
			delete(l.episodes, id)
			n++
		}
	}
	if n > 0 {
		l.expired.Add(int64(n))
		l.pending.Store(int64(len(l.episodes)))
		l.logger.Infof(ctx, "[PolicyLearner] expired %d episodes", n)
	}
}

func (l *Learner) entry(key triage.StateKey) *Entry {
	e, ok := l.entries[key]
	if !ok {
		e = newEntry()
		l.entries[key] = e
	}
	return e
}

// publish 复制写端的表生成新快照并原子替换
func (l *Learner) publish() {
	entries := make(map[triage.StateKey]Entry, len(l.entries))
	for k, e := range l.entries {
		entries[k] = e.clone()
	}
	l.snapshot.Store(&Snapshot{
		entries:        entries,
		overrideMargin: l.cfg.OverrideMargin,
		minVisits:      l.cfg.MinVisits,
		updatedAt:      l.now().UTC(),
	})
}

func (l *Learner) save(ctx context.Context) error {
	if l.store == nil || !l.dirty {
		return nil
	}
	data, err := encodeTable(l.entries, l.now())
	if err != nil {
		return err
	}
	if err := l.store.SavePolicy(ctx, TableKey, data); err != nil {
		return err
	}
	l.dirty = false
	l.logger.Debugf(ctx, "[PolicyLearner] saved %d states", len(l.entries))
	return nil
}

func eventKey(id string) string   { return "event:" + id }
func outcomeKey(id string) string { return "outcome:" + id }

func maxOf(values []float64) float64 {
	best := math.Inf(-1)
	for _, v := range values {
		if v > best {
			best = v
		}
	}
	if math.IsInf(best, -1) {
		return 0
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

package business

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"oip/recon/common/model"
	"oip/recon/internal/business/policy"
	"oip/recon/internal/business/triage"
	"oip/recon/pkg/errorutil"
	"oip/recon/pkg/logger"
	"oip/recon/pkg/retry"
)

// 派生异常使用的原因码
const (
	CodeDeliveryFailed   = "DELIVERY_FAILED"
	CodeStoreTimeout     = "STORE_TIMEOUT"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
)

// exceptionNamespace 派生异常 ID 的命名空间（保证重投时 ID 不变）
var exceptionNamespace = uuid.MustParse("6f1c2a0e-8c55-4a5e-9d8f-3b7f2c1d9e40")

// TriageOutcome 一次分诊的结果
type TriageOutcome struct {
	Exception  *triage.ExceptionRecord  `json:"exception"`
	State      *triage.TriageState      `json:"state"`
	Severity   triage.Severity          `json:"severity"`
	Delegation *triage.DelegationResult `json:"delegation,omitempty"`
	Duplicate  bool                     `json:"duplicate"` // 之前已经分派过
	Escalated  bool                     `json:"escalated"` // 投递重试耗尽，转人工
	Child      *TriageOutcome           `json:"child,omitempty"`
}

// TriageServiceConfig 分诊服务配置
type TriageServiceConfig struct {
	MaxExceptionRetries int           // 派生 SYSTEM_ERROR 的最大层数
	FeedbackDedupeTTL   time.Duration // 反馈事件去重保留时长
}

// TriageService 分诊服务
// Exception Classifier → Severity Scorer → Triage Router → Delegator，并把决策交给策略学习器
type TriageService struct {
	cfg        TriageServiceConfig
	rules      triage.Rules
	classifier *triage.ExceptionClassifier
	scorer     *triage.SeverityScorer
	router     *triage.Router
	delegator  *triage.Delegator
	exceptions ExceptionStore
	states     triage.StateStore
	dedupe     triage.Deduper
	learner    PolicyLearner
	retryer    *retry.Retryer
	logger     logger.Logger
	now        func() time.Time
}

// NewTriageService 创建分诊服务；learner / dedupe 可为 nil
func NewTriageService(
	cfg TriageServiceConfig,
	rules triage.Rules,
	rulesVersion string,
	delegator *triage.Delegator,
	exceptions ExceptionStore,
	states triage.StateStore,
	dedupe triage.Deduper,
	learner PolicyLearner,
	retryer *retry.Retryer,
	log logger.Logger,
) *TriageService {
	return &TriageService{
		cfg:        cfg,
		rules:      rules,
		classifier: triage.NewExceptionClassifier(rules),
		scorer:     triage.NewSeverityScorer(rules),
		router:     triage.NewRouter(rules, rulesVersion),
		delegator:  delegator,
		exceptions: exceptions,
		states:     states,
		dedupe:     dedupe,
		learner:    learner,
		retryer:    retryer,
		logger:     log,
		now:        time.Now,
	}
}

// view 当前策略快照；整个分诊流程只取一次，保证严重度和路由看到同一份策略
func (s *TriageService) view() triage.PolicyView {
	if s.learner == nil {
		return triage.StaticPolicy{}
	}
	if snap := s.learner.Snapshot(); snap != nil {
		return snap
	}
	return triage.StaticPolicy{}
}

// Triage 对一个异常执行分诊并分派
func (s *TriageService) Triage(ctx context.Context, rec *triage.ExceptionRecord) (*TriageOutcome, error) {
	return s.triage(ctx, rec, false)
}

// triage derived 为 true 时处理存储故障派生的异常：落库失败照常投递，投递失败不再派生
func (s *TriageService) triage(ctx context.Context, rec *triage.ExceptionRecord, derived bool) (*TriageOutcome, error) {
	if err := rec.Validate(); err != nil {
		return nil, errorutil.NonRetriableWithDetails("invalid exception record", err.Error())
	}
	ctx = logger.WithField(ctx, logger.KeyExceptionID, rec.ID)
	if rec.TransactionID != "" {
		ctx = logger.WithField(ctx, logger.KeyTransactionID, rec.TransactionID)
	}

	// 1. 已经处理过的异常直接返回（重投）
	existing, err := s.states.GetTriageState(ctx, rec.ID)
	if err != nil && !errors.Is(err, triage.ErrStateNotFound) {
		if !derived {
			return nil, errorutil.SystemIssue("load triage state", err)
		}
		s.logger.Warnf(ctx, "[TriageService] load state of derived exception %s failed: %v", rec.ID, err)
		existing = nil
	}
	if existing != nil && existing.Status != triage.StatusOpen {
		s.logger.Infof(ctx, "[TriageService] exception %s already %s, skip", rec.ID, existing.Status)
		return &TriageOutcome{Exception: rec, State: existing, Duplicate: true, Escalated: existing.Status == triage.StatusEscalated}, nil
	}

	// 2. 补全派生字段并落库
	if len(rec.StateVector) == 0 {
		rec.StateVector = triage.BuildStateVector(rec, s.cfg.MaxExceptionRetries, s.rules.Classifier.CompliancePrefixes)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.retryer.Do(ctx, "save exception", func(ctx context.Context) error {
		return s.exceptions.SaveException(ctx, rec)
	}); err != nil {
		if !derived {
			return nil, s.OnStoreFailure(ctx, StoreFailure{
				Op: "save exception", Subject: rec.ID, ParentID: rec.ID, Stage: rec.Stage, TransactionID: rec.TransactionID,
			}, err)
		}
		s.logger.Warnf(ctx, "[TriageService] save derived exception %s failed, delegating anyway: %v", rec.ID, err)
	}

	// 3. 分类 → 严重度 → 路由
	view := s.view()
	cat := s.classifier.Classify(rec)
	sev := s.scorer.Score(rec, cat, view)
	state, err := s.router.Route(rec, cat, sev, view)
	if err != nil {
		return nil, errorutil.NonRetriableWithDetails("route exception", err.Error())
	}
	// OPEN 状态重新分派时沿用首次分诊的创建时间，SLA 截止时间不随重试顺延
	if existing != nil {
		state.CreatedAt = existing.CreatedAt
		state.SLADeadline = existing.SLADeadline
	}

	s.logger.Infof(ctx, "[TriageService] exception %s: category=%s severity=%.3f(%s) destination=%s override=%v",
		rec.ID, cat, sev.Score, sev.Level, state.Destination, state.PolicyOverride)

	// 4. 记录 episode（学习器不可用不影响分派）
	if s.learner != nil {
		ep := policy.Episode{
			ExceptionID: rec.ID,
			Key:         sev.Key,
			StateVector: rec.StateVector,
			Action:      state.Destination,
			Static:      state.StaticDestination,
			Severity:    sev.Score,
			RecordedAt:  state.CreatedAt,
		}
		if err := s.learner.RecordEpisode(ctx, ep); err != nil {
			s.logger.Warnf(ctx, "[TriageService] record episode for %s failed: %v", rec.ID, err)
		}
	}

	out := &TriageOutcome{Exception: rec, State: state, Severity: sev}

	// 5. 分派
	res, err := s.delegator.Delegate(ctx, state, rec)
	if err != nil {
		if derived || !errorutil.IsSystemIssue(err) {
			return nil, err
		}
		return s.onDelegationFailure(ctx, out, err)
	}
	out.Delegation = res
	return out, nil
}

// onDelegationFailure 投递重试耗尽：派生 SYSTEM_ERROR 异常重新分诊，超过上限后转人工
func (s *TriageService) onDelegationFailure(ctx context.Context, out *TriageOutcome, cause error) (*TriageOutcome, error) {
	rec, state := out.Exception, out.State
	next := rec.RetryCount + 1

	if next > s.cfg.MaxExceptionRetries {
		s.logger.Errorf(ctx, "[TriageService] exception %s delegation failed after %d retries, escalating: %v", rec.ID, rec.RetryCount, cause)
		return s.escalate(ctx, out, fmt.Sprintf("%s: %v", CodeRetriesExhausted, cause))
	}

	// 原异常保持 OPEN 并记录错误信息
	state.ErrorMessage = cause.Error()
	state.UpdatedAt = s.now().UTC()
	if err := s.retryer.Do(ctx, "save triage state", func(ctx context.Context) error {
		return s.states.SaveTriageState(ctx, state)
	}); err != nil {
		s.logger.Warnf(ctx, "[TriageService] save open state for %s failed: %v", rec.ID, err)
	}

	child := &triage.ExceptionRecord{
		ID:            uuid.NewSHA1(exceptionNamespace, []byte(fmt.Sprintf("%s:delegation:%d", rec.ID, next))).String(),
		Type:          triage.TypeSystemError,
		Stage:         "delegation",
		TransactionID: rec.TransactionID,
		ReasonCodes:   []string{CodeDeliveryFailed},
		ErrorMessage:  cause.Error(),
		RetryCount:    next,
		ParentID:      rec.ID,
		Metadata:      triage.Metadata{"destination": string(state.Destination)},
	}
	s.logger.Warnf(ctx, "[TriageService] exception %s delegation failed, raised %s (retry %d): %v", rec.ID, child.ID, next, cause)

	childOut, err := s.Triage(ctx, child)
	if err != nil {
		return nil, err
	}
	out.Child = childOut

	// 派生链路最终转人工时，原异常一起转人工
	if childOut.Escalated {
		return s.escalate(ctx, out, fmt.Sprintf("%s: %v", CodeRetriesExhausted, cause))
	}
	return out, nil
}

// StoreFailure 存储调用重试耗尽时的上下文
type StoreFailure struct {
	Op            string // 失败的存储操作
	Subject       string // 关联对象（result id / exception id），同一对象同一操作只派生一个异常
	ParentID      string // 关联的原异常，可为空
	Stage         string
	TransactionID string
}

// OnStoreFailure 存储重试耗尽：派生 STORE_TIMEOUT 的 SYSTEM_ERROR 异常分派给工程，返回值决定消息去向
// 消息投递次数未到 max_exception_retries 时返回原错误（可重试，队列重投）；
// 到达后派生 RETRIES_EXHAUSTED 异常并转人工，返回不可重试错误（消息进入死信）
// 不是由队列消息驱动的调用（投递次数未知）只派生异常，不转人工
func (s *TriageService) OnStoreFailure(ctx context.Context, f StoreFailure, cause error) error {
	if !errorutil.IsSystemIssue(cause) {
		return cause
	}
	attempt := retry.DeliveryAttempt(ctx)
	exhausted := attempt > 0 && attempt >= s.cfg.MaxExceptionRetries

	code := CodeStoreTimeout
	if exhausted {
		code = CodeRetriesExhausted
	}
	rec := &triage.ExceptionRecord{
		ID:            uuid.NewSHA1(exceptionNamespace, []byte(fmt.Sprintf("%s:store:%s:%s", f.Subject, f.Op, code))).String(),
		Type:          triage.TypeSystemError,
		Stage:         f.Stage,
		TransactionID: f.TransactionID,
		ReasonCodes:   []string{code},
		ErrorMessage:  cause.Error(),
		RetryCount:    max(attempt-1, 0),
		ParentID:      f.ParentID,
		Metadata:      triage.Metadata{"operation": f.Op, "subject": f.Subject, "delivery_attempt": attempt},
	}

	out, err := s.triage(ctx, rec, true)
	if err != nil {
		s.logger.Errorf(ctx, "[TriageService] raise %s for %s failed: %v", code, f.Subject, err)
	}

	if !exhausted {
		s.logger.Warnf(ctx, "[TriageService] %s for %s failed (delivery %d), raised %s: %v", f.Op, f.Subject, attempt, rec.ID, cause)
		return cause
	}

	if out != nil && !out.Duplicate {
		if _, err := s.escalate(ctx, out, fmt.Sprintf("%s: %v", CodeRetriesExhausted, cause)); err != nil {
			s.logger.Errorf(ctx, "[TriageService] persist escalation of %s failed: %v", rec.ID, err)
		}
	}
	s.logger.Errorf(ctx, "[TriageService] %s for %s failed after %d deliveries, escalated %s: %v", f.Op, f.Subject, attempt, rec.ID, cause)
	return errorutil.NonRetriableWithDetails(fmt.Sprintf("%s: %s", CodeRetriesExhausted, f.Op), cause.Error())
}

// escalate 持久化 ESCALATED 状态
func (s *TriageService) escalate(ctx context.Context, out *TriageOutcome, msg string) (*TriageOutcome, error) {
	state := out.State
	state.Status = triage.StatusEscalated
	state.ErrorMessage = msg
	state.UpdatedAt = s.now().UTC()

	if err := s.retryer.Do(ctx, "save escalated state", func(ctx context.Context) error {
		return s.states.SaveTriageState(ctx, state)
	}); err != nil {
		return nil, err
	}
	out.Escalated = true
	return out, nil
}

// ApplyOutcome 处理结果反馈：更新 TriageState 并提交给学习器
func (s *TriageService) ApplyOutcome(ctx context.Context, ev *model.ResolutionEvent) (*triage.TriageState, error) {
	if ev == nil || ev.EventID == "" || ev.ExceptionID == "" {
		return nil, errorutil.NonRetriable("event_id and exception_id are required")
	}
	ctx = logger.WithField(ctx, logger.KeyExceptionID, ev.ExceptionID)

	state, err := s.loadState(ctx, ev.ExceptionID)
	if err != nil {
		return nil, err
	}

	claimKey := "feedback:outcome:" + ev.EventID
	fresh, err := s.claim(ctx, claimKey)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.logger.Infof(ctx, "[TriageService] outcome event %s already applied", ev.EventID)
		return state, nil
	}

	// 1. 推导反馈字段
	resolvedAt := s.now().UTC()
	if ev.ResolvedAt != nil {
		resolvedAt = ev.ResolvedAt.UTC()
	}
	withinSLA := !resolvedAt.After(state.SLADeadline)
	if ev.ResolvedWithinSLA != nil {
		withinSLA = *ev.ResolvedWithinSLA
	}
	routingCorrect := true
	if ev.CorrectDestination != "" {
		correct, err := triage.ParseDestination(ev.CorrectDestination)
		if err != nil {
			s.release(ctx, claimKey)
			return nil, errorutil.NonRetriableWithDetails("invalid correct_destination", err.Error())
		}
		routingCorrect = correct == state.Destination
	}
	if ev.RoutingCorrect != nil {
		routingCorrect = *ev.RoutingCorrect
	}

	// 2. 更新状态
	state.Status = triage.StatusResolved
	state.ResolvedAt = &resolvedAt
	state.ResolutionNotes = ev.Notes
	if ev.ResolvedBy != "" {
		state.ResolutionNotes = fmt.Sprintf("resolved by %s: %s", ev.ResolvedBy, ev.Notes)
	}
	state.UpdatedAt = s.now().UTC()

	if err := s.retryer.Do(ctx, "save resolved state", func(ctx context.Context) error {
		return s.states.SaveTriageState(ctx, state)
	}); err != nil {
		s.release(ctx, claimKey)
		return nil, err
	}

	// 3. 提交给学习器（学习器自身也按事件去重）
	if s.learner != nil {
		o := policy.Outcome{
			EventID:           ev.EventID,
			ExceptionID:       ev.ExceptionID,
			ResolvedWithinSLA: withinSLA,
			RoutingCorrect:    routingCorrect,
			ResolutionTime:    resolvedAt.Sub(state.CreatedAt),
			Episode:           s.rebuildEpisode(ctx, state),
		}
		if err := s.learner.SubmitOutcome(ctx, o); err != nil {
			s.logger.Warnf(ctx, "[TriageService] submit outcome %s failed: %v", ev.EventID, err)
		}
	}

	s.logger.Infof(ctx, "[TriageService] exception %s resolved (within_sla=%v, routing_correct=%v)", ev.ExceptionID, withinSLA, routingCorrect)
	return state, nil
}

// rebuildEpisode 按持久化的状态重建 episode，学习器内存中没有待结算 episode 时（例如重启后）使用
// 离散状态只依赖策略修正之前的分数，用静态策略重新评分即可得到分诊时的同一个状态
func (s *TriageService) rebuildEpisode(ctx context.Context, state *triage.TriageState) *policy.Episode {
	rec, err := s.loadException(ctx, state.ExceptionID)
	if err != nil {
		s.logger.Warnf(ctx, "[TriageService] rebuild episode for %s failed: %v", state.ExceptionID, err)
		return nil
	}
	sev := s.scorer.Score(rec, state.Category, triage.StaticPolicy{})
	return &policy.Episode{
		ExceptionID: state.ExceptionID,
		Key:         sev.Key,
		StateVector: rec.StateVector,
		Action:      state.Destination,
		Static:      state.StaticDestination,
		Severity:    state.SeverityScore,
		RecordedAt:  state.CreatedAt,
	}
}

// ApplyOverride 人工改派：目的地必须在该类别的合法集合内
func (s *TriageService) ApplyOverride(ctx context.Context, ev *model.OverrideEvent) (*TriageOutcome, error) {
	if ev == nil || ev.EventID == "" || ev.ExceptionID == "" {
		return nil, errorutil.NonRetriable("event_id and exception_id are required")
	}
	if ev.Destination == "" && ev.Severity == nil {
		return nil, errorutil.NonRetriable("override needs a destination or a severity")
	}
	ctx = logger.WithField(ctx, logger.KeyExceptionID, ev.ExceptionID)

	state, err := s.loadState(ctx, ev.ExceptionID)
	if err != nil {
		return nil, err
	}
	if state.Status == triage.StatusResolved {
		return nil, errorutil.NonRetriable(fmt.Sprintf("exception %s is already resolved", ev.ExceptionID))
	}

	// 1. 校验目的地（永不跨类别）
	dest := state.Destination
	if ev.Destination != "" {
		d, err := triage.ParseDestination(ev.Destination)
		if err != nil {
			return nil, errorutil.NonRetriableWithDetails("invalid destination", err.Error())
		}
		if !s.router.Allows(state.Category, d) {
			return nil, errorutil.NonRetriableWithDetails("destination not allowed for category",
				fmt.Sprintf("%v: %s is not valid for %s", triage.ErrInvalidDestination, d, state.Category))
		}
		dest = d
	}
	if ev.Severity != nil && (*ev.Severity < 0 || *ev.Severity > 1) {
		return nil, errorutil.NonRetriable("severity must be within [0,1]")
	}

	rec, err := s.loadException(ctx, ev.ExceptionID)
	if err != nil {
		return nil, err
	}

	claimKey := "feedback:override:" + ev.EventID
	fresh, err := s.claim(ctx, claimKey)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.logger.Infof(ctx, "[TriageService] override event %s already applied", ev.EventID)
		return &TriageOutcome{Exception: rec, State: state, Duplicate: true}, nil
	}

	// 2. 学习用的离散状态与分诊时一致（只依赖策略修正之前的分数）
	sev := s.scorer.Score(rec, state.Category, triage.StaticPolicy{})
	from := state.Destination
	scored := state.SeverityScore

	// 3. 更新分派信息
	state.Destination = dest
	state.PolicyOverride = false
	state.AssignmentNote = fmt.Sprintf("override by %s: %s", ev.Actor, ev.Note)
	if ev.Severity != nil {
		state.SeverityScore = *ev.Severity
		state.SeverityLevel = triage.LevelOf(*ev.Severity)
		state.Priority = triage.PriorityOf(state.Category, state.SeverityLevel)
		state.SLADeadline = state.CreatedAt.Add(s.router.SLA(state.SeverityLevel))
	}
	state.UpdatedAt = s.now().UTC()

	out := &TriageOutcome{Exception: rec, State: state, Severity: sev}

	if dest != from {
		res, err := s.delegator.Redelegate(ctx, state, rec, ev.EventID)
		if err != nil {
			s.release(ctx, claimKey)
			return nil, err
		}
		out.Delegation = res
	} else if err := s.retryer.Do(ctx, "save overridden state", func(ctx context.Context) error {
		return s.states.SaveTriageState(ctx, state)
	}); err != nil {
		s.release(ctx, claimKey)
		return nil, err
	}

	// 4. 监督更新
	if s.learner != nil {
		o := policy.Override{
			EventID:        ev.EventID,
			ExceptionID:    ev.ExceptionID,
			Key:            sev.Key,
			From:           from,
			To:             dest,
			ScoredSeverity: scored,
			Severity:       ev.Severity,
		}
		if err := s.learner.SubmitOverride(ctx, o); err != nil {
			s.logger.Warnf(ctx, "[TriageService] submit override %s failed: %v", ev.EventID, err)
		}
	}

	s.logger.Infof(ctx, "[TriageService] exception %s overridden by %s: %s -> %s", ev.ExceptionID, ev.Actor, from, dest)
	return out, nil
}

func (s *TriageService) loadState(ctx context.Context, id string) (*triage.TriageState, error) {
	var state *triage.TriageState
	err := s.retryer.Do(ctx, "load triage state", func(ctx context.Context) error {
		st, err := s.states.GetTriageState(ctx, id)
		if errors.Is(err, triage.ErrStateNotFound) {
			return retry.Permanent(err)
		}
		state = st
		return err
	})
	if errors.Is(err, triage.ErrStateNotFound) {
		return nil, errorutil.NonRetriable(fmt.Sprintf("triage state %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *TriageService) loadException(ctx context.Context, id string) (*triage.ExceptionRecord, error) {
	var rec *triage.ExceptionRecord
	err := s.retryer.Do(ctx, "load exception", func(ctx context.Context) error {
		r, err := s.exceptions.GetException(ctx, id)
		if errors.Is(err, triage.ErrExceptionNotFound) {
			return retry.Permanent(err)
		}
		rec = r
		return err
	})
	if errors.Is(err, triage.ErrExceptionNotFound) {
		return nil, errorutil.NonRetriable(fmt.Sprintf("exception %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// claim 反馈事件去重；没有去重存储时总是返回 true
func (s *TriageService) claim(ctx context.Context, key string) (bool, error) {
	if s.dedupe == nil {
		return true, nil
	}
	ok, err := s.dedupe.Claim(ctx, key, s.cfg.FeedbackDedupeTTL)
	if err != nil {
		return false, errorutil.SystemIssue("claim feedback event", err)
	}
	return ok, nil
}

func (s *TriageService) release(ctx context.Context, key string) {
	if s.dedupe == nil {
		return
	}
	if err := s.dedupe.Release(ctx, key); err != nil {
		s.logger.Warnf(ctx, "[TriageService] release %s failed: %v", key, err)
	}
}

// ReportException 外部环节上报异常，直接进入分诊
func (s *TriageService) ReportException(ctx context.Context, req *model.ExceptionReport) (*TriageOutcome, error) {
	if req == nil {
		return nil, errorutil.NonRetriable("exception report is required")
	}
	id := req.ID
	if id == "" {
		// 上报方未指定 ID 时按内容派生，重复上报得到同一个异常
		id = uuid.NewSHA1(exceptionNamespace, []byte(fmt.Sprintf("%s|%s|%s|%s|%d",
			req.Type, req.Stage, req.TransactionID, strings.Join(req.ReasonCodes, ","), req.RetryCount))).String()
	}

	rec := &triage.ExceptionRecord{
		ID:            id,
		Type:          triage.ExceptionType(strings.ToUpper(req.Type)),
		Stage:         req.Stage,
		TransactionID: req.TransactionID,
		ReasonCodes:   req.ReasonCodes,
		ErrorMessage:  req.ErrorMessage,
		MatchScore:    req.MatchScore,
		RetryCount:    req.RetryCount,
		Metadata:      triage.Metadata(req.Metadata),
	}
	if rec.RetryCount < 0 {
		return nil, errorutil.NonRetriable("retry_count must not be negative")
	}
	return s.Triage(ctx, rec)
}

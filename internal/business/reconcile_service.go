package business

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
	"oip/recon/pkg/errorutil"
	"oip/recon/pkg/logger"
	"oip/recon/pkg/retry"
)

// StageMatching 匹配环节产生的异常
const StageMatching = "matching"

// ReconcileOutcome 一个交易对的完整处理结果
type ReconcileOutcome struct {
	Result *matching.MatchingResult `json:"result"`
	Triage *TriageOutcome           `json:"triage,omitempty"` // AUTO_MATCH 时为空
}

// ReconcileService 匹配 → 落库 → 非自动匹配时进入分诊
type ReconcileService struct {
	engine  *matching.Engine
	results ResultStore
	triage  *TriageService
	retryer *retry.Retryer
	logger  logger.Logger
}

// NewReconcileService 创建对账服务
func NewReconcileService(engine *matching.Engine, results ResultStore, triageSvc *TriageService, retryer *retry.Retryer, log logger.Logger) *ReconcileService {
	return &ReconcileService{
		engine:  engine,
		results: results,
		triage:  triageSvc,
		retryer: retryer,
		logger:  log,
	}
}

// Reconcile 处理一个交易对
func (s *ReconcileService) Reconcile(ctx context.Context, pair *matching.Pair) (*ReconcileOutcome, error) {
	if pair != nil && pair.TransactionID != "" {
		ctx = logger.WithField(ctx, logger.KeyTransactionID, pair.TransactionID)
	}

	// 1. 匹配与分类（纯计算）
	result, _, err := s.engine.Evaluate(pair)
	if err != nil {
		return nil, errorutil.NonRetriableWithDetails("invalid transaction pair", err.Error())
	}
	s.logger.Infof(ctx, "[ReconcileService] %s score=%.4f classification=%s decision=%s codes=%v",
		result.TransactionID, result.Score, result.Classification, result.Decision, result.ReasonCodes)

	// 2. 落库（同一输入得到同一 ResultID，重复写入是幂等的）
	// 重试耗尽时派生 SYSTEM_ERROR 异常交给工程，由投递次数决定重投还是转人工
	if err := s.retryer.Do(ctx, "save matching result", func(ctx context.Context) error {
		return s.results.SaveMatchingResult(ctx, result)
	}); err != nil {
		return nil, s.triage.OnStoreFailure(ctx, StoreFailure{
			Op:            "save matching result",
			Subject:       result.ResultID,
			Stage:         StageMatching,
			TransactionID: result.TransactionID,
		}, err)
	}

	out := &ReconcileOutcome{Result: result}
	if result.Decision == matching.DecisionAutoMatch {
		return out, nil
	}

	// 3. 非自动匹配：生成异常并分诊
	rec := ExceptionFromResult(result)
	to, err := s.triage.Triage(ctx, rec)
	if err != nil {
		return nil, err
	}
	out.Triage = to
	return out, nil
}

// ExceptionFromResult 由匹配结果生成异常记录；ID 由 ResultID 派生，重复处理得到同一个异常
func ExceptionFromResult(r *matching.MatchingResult) *triage.ExceptionRecord {
	typ := triage.TypeMatchingException
	if r.Classification == matching.ClassDataError {
		typ = triage.TypeDataError
	}
	score := r.Score
	return &triage.ExceptionRecord{
		ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(r.ResultID)).String(),
		Type:          typ,
		Stage:         StageMatching,
		TransactionID: r.TransactionID,
		ReasonCodes:   append([]string(nil), r.ReasonCodes...),
		ErrorMessage:  strings.Join(r.Details, "; "),
		MatchScore:    &score,
		Metadata: triage.Metadata{
			"result_id":      r.ResultID,
			"classification": string(r.Classification),
			"decision":       string(r.Decision),
		},
	}
}

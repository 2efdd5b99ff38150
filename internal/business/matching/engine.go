package matching

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MatchingResult 持久化的决策结果（创建后不可变，更正时生成新结果并引用旧结果）
type MatchingResult struct {
	ResultID       string         `json:"result_id"`
	TransactionID  string         `json:"transaction_id"`
	Score          float64        `json:"score"`
	ConfidenceLow  float64        `json:"confidence_low"`
	ConfidenceHigh float64        `json:"confidence_high"`
	Classification Classification `json:"classification"`
	Decision       Decision       `json:"decision"`
	ReasonCodes    []string       `json:"reason_codes"`
	Details        []string       `json:"details,omitempty"`
	PrimaryRef     string         `json:"primary_ref"`
	CounterRef     string         `json:"counter_ref"`
	PriorResultID  string         `json:"prior_result_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Engine 匹配引擎：Matcher → Aggregator → Classifier
type Engine struct {
	matcher    *Matcher
	aggregator *Aggregator
	classifier *Classifier
	thresholds Thresholds
	now        func() time.Time
}

// NewEngine 创建匹配引擎（配置需先通过 Validate）
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matching config: %w", err)
	}
	return &Engine{
		matcher:    NewMatcher(cfg),
		aggregator: NewAggregator(),
		classifier: NewClassifier(cfg.Thresholds),
		thresholds: cfg.Thresholds,
		now:        time.Now,
	}, nil
}

// Thresholds 当前阈值（分诊侧判断 near-miss 用）
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Evaluate 对一个交易对执行完整的匹配与分类
// 相同输入 + 相同配置得到相同的 MatchResult 和 ResultID
func (e *Engine) Evaluate(pair *Pair) (*MatchingResult, *MatchResult, error) {
	if err := pair.Validate(); err != nil {
		return nil, nil, err
	}

	// 1. 字段比较
	mr := e.matcher.Match(pair.Primary, pair.Counter)

	// 2. 加权打分
	score := e.aggregator.Aggregate(mr)

	// 3. 完整性检查 + 阈值分类
	verdict := e.classifier.Classify(score.Value, mr, pair.Primary, pair.Counter)

	result := &MatchingResult{
		TransactionID:  pair.TransactionID,
		Score:          score.Value,
		ConfidenceLow:  score.Low,
		ConfidenceHigh: score.High,
		Classification: verdict.Classification,
		Decision:       verdict.Decision,
		ReasonCodes:    verdict.ReasonCodes,
		Details:        verdict.Details,
		PrimaryRef:     pair.Primary.ID,
		CounterRef:     pair.Counter.ID,
		PriorResultID:  pair.PriorResultID,
	}

	id, err := ResultDigest(result)
	if err != nil {
		return nil, nil, err
	}
	result.ResultID = id
	result.CreatedAt = e.now().UTC()

	return result, mr, nil
}

// ResultDigest 对结果内容（不含 ID 和时间戳）做 sha256
func ResultDigest(r *MatchingResult) (string, error) {
	view := *r
	view.ResultID = ""
	view.CreatedAt = time.Time{}

	data, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("marshal result for digest: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

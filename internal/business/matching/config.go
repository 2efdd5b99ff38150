package matching

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// RuleKind 容差规则类型
type RuleKind string

const (
	RuleExact            RuleKind = "EXACT"
	RuleNumericTolerance RuleKind = "NUMERIC_TOLERANCE"
	RuleDateTolerance    RuleKind = "DATE_TOLERANCE"
	RuleFuzzyString      RuleKind = "FUZZY_STRING"
)

// Role 字段角色（决定默认权重和 MatchResult 子标记）
type Role string

const (
	RoleIdentifier   Role = "identifier"
	RoleAmount       Role = "amount"
	RoleDate         Role = "date"
	RoleCounterparty Role = "counterparty"
	RoleCurrency     Role = "currency"
	RoleOther        Role = "other"
)

// DefaultWeights 默认字段权重
var DefaultWeights = map[Role]float64{
	RoleIdentifier:   0.30,
	RoleAmount:       0.25,
	RoleDate:         0.20,
	RoleCounterparty: 0.15,
	RoleCurrency:     0.10,
}

// FieldRule 单字段容差规则
type FieldRule struct {
	Field         string   // 字段名
	Role          Role     // 字段角色
	Kind          RuleKind // 比较方式
	Pct           float64  // NUMERIC_TOLERANCE：相对容差（小数，0.0001 = 0.01%）
	Days          int      // DATE_TOLERANCE：允许相差天数
	MinSimilarity float64  // FUZZY_STRING：最低相似度
	Mandatory     bool     // 两侧都缺失时触发完整性错误
	Code          string   // 原因码前缀，如 NOTIONAL
	Weight        float64  // 打分权重
}

// Thresholds 分类阈值
type Thresholds struct {
	AutoMatch float64 // >= 时 MATCHED / AUTO_MATCH
	Probable  float64 // >= 时 PROBABLE_MATCH / ESCALATE
	Review    float64 // >= 时 REVIEW_REQUIRED / EXCEPTION
}

// DefaultThresholds 默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{AutoMatch: 0.85, Probable: 0.70, Review: 0.50}
}

// Config 匹配引擎配置
type Config struct {
	Rules      []FieldRule
	Thresholds Thresholds
	Epsilon    float64 // 数值相对差的分母下限
}

// DefaultConfig 默认配置（交易对账的五个核心字段）
func DefaultConfig() Config {
	return Config{
		Rules: []FieldRule{
			{Field: "trade_id", Role: RoleIdentifier, Kind: RuleExact, Mandatory: true, Code: "IDENTIFIER", Weight: 0.30},
			{Field: "notional", Role: RoleAmount, Kind: RuleNumericTolerance, Pct: 0.0001, Mandatory: true, Code: "NOTIONAL", Weight: 0.25},
			{Field: "trade_date", Role: RoleDate, Kind: RuleDateTolerance, Days: 1, Mandatory: true, Code: "DATE", Weight: 0.20},
			{Field: "counterparty", Role: RoleCounterparty, Kind: RuleFuzzyString, MinSimilarity: 0.85, Code: "COUNTERPARTY", Weight: 0.15},
			{Field: "currency", Role: RoleCurrency, Kind: RuleExact, Mandatory: true, Code: "CURRENCY", Weight: 0.10},
		},
		Thresholds: DefaultThresholds(),
		Epsilon:    1e-9,
	}
}

var (
	ErrNoRules          = errors.New("at least one tolerance rule is required")
	ErrWeightsSum       = errors.New("field weights must sum to 1.0")
	ErrThresholdsOrder  = errors.New("thresholds must satisfy 0 <= review <= probable <= auto_match <= 1")
	ErrUnknownRuleKind  = errors.New("unknown tolerance rule kind")
	ErrInvalidRuleParam = errors.New("invalid tolerance rule parameter")
)

// Validate 校验配置（配置错误在启动期是致命的）
func (c *Config) Validate() error {
	if len(c.Rules) == 0 {
		return ErrNoRules
	}

	seen := make(map[string]struct{}, len(c.Rules))
	sum := 0.0
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Field == "" {
			return fmt.Errorf("rule[%d]: %w: field name is empty", i, ErrInvalidRuleParam)
		}
		if _, ok := seen[r.Field]; ok {
			return fmt.Errorf("rule[%d]: %w: duplicate field %q", i, ErrInvalidRuleParam, r.Field)
		}
		seen[r.Field] = struct{}{}

		switch r.Kind {
		case RuleExact:
		case RuleNumericTolerance:
			if r.Pct < 0 || math.IsNaN(r.Pct) {
				return fmt.Errorf("rule %s: %w: pct=%v", r.Field, ErrInvalidRuleParam, r.Pct)
			}
		case RuleDateTolerance:
			if r.Days < 0 {
				return fmt.Errorf("rule %s: %w: days=%d", r.Field, ErrInvalidRuleParam, r.Days)
			}
		case RuleFuzzyString:
			if r.MinSimilarity < 0 || r.MinSimilarity > 1 || math.IsNaN(r.MinSimilarity) {
				return fmt.Errorf("rule %s: %w: min_similarity=%v", r.Field, ErrInvalidRuleParam, r.MinSimilarity)
			}
		default:
			return fmt.Errorf("rule %s: %w: %q", r.Field, ErrUnknownRuleKind, r.Kind)
		}

		if r.Weight < 0 || math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) {
			return fmt.Errorf("rule %s: %w: weight=%v", r.Field, ErrInvalidRuleParam, r.Weight)
		}
		if r.Code == "" {
			r.Code = strings.ToUpper(r.Field)
		}
		sum += r.Weight
	}

	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("%w: got %.6f", ErrWeightsSum, sum)
	}

	t := c.Thresholds
	if !(0 <= t.Review && t.Review <= t.Probable && t.Probable <= t.AutoMatch && t.AutoMatch <= 1) {
		return fmt.Errorf("%w: %+v", ErrThresholdsOrder, t)
	}
	if math.IsNaN(c.Epsilon) {
		return fmt.Errorf("%w: epsilon is NaN", ErrInvalidRuleParam)
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 1e-9
	}
	return nil
}

// ParseRuleKind 解析规则类型（大小写不敏感）
func ParseRuleKind(s string) (RuleKind, error) {
	k := RuleKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case RuleExact, RuleNumericTolerance, RuleDateTolerance, RuleFuzzyString:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRuleKind, s)
	}
}

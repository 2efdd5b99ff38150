package matching

import (
	"time"

	"github.com/shopspring/decimal"
)

// Missing 缺失情况
type Missing string

const (
	MissingNone    Missing = ""
	MissingPrimary Missing = "PRIMARY"
	MissingCounter Missing = "COUNTER"
)

// FieldDifference 单字段比较结果
type FieldDifference struct {
	Field        string   `json:"field"`
	Code         string   `json:"code"`
	Role         Role     `json:"role"`
	Kind         RuleKind `json:"kind"`
	Primary      Value    `json:"primary"`
	Counter      Value    `json:"counter"`
	Match        bool     `json:"match"`
	Missing      Missing  `json:"missing,omitempty"`
	Malformed    bool     `json:"malformed,omitempty"`     // 值无法按规则解析
	Delta        *float64 `json:"delta,omitempty"`         // 数值：带符号相对差；日期：带符号天数差
	Similarity   float64  `json:"similarity"`              // 模糊字段的相似度，其它字段匹配为 1
	ViaTolerance bool     `json:"via_tolerance,omitempty"` // 仅凭容差才匹配
	Weight       float64  `json:"weight"`
	MatchValue   float64  `json:"match_value"` // 参与打分的取值
}

// MatchResult 字段级比较结果汇总（生成后不可变）
type MatchResult struct {
	Differences            []FieldDifference `json:"differences"`
	IdentifierMatch        bool              `json:"identifier_match"`
	DateWithinTolerance    bool              `json:"date_within_tolerance"`
	AmountWithinTolerance  bool              `json:"amount_within_tolerance"`
	CurrencyMatch          bool              `json:"currency_match"`
	CounterpartySimilarity float64           `json:"counterparty_similarity"`
	MissingMandatory       []string          `json:"missing_mandatory,omitempty"` // 两侧都缺失的必填字段
}

// Matcher 字段匹配器（纯函数，无副作用，可并发使用）
type Matcher struct {
	rules   []FieldRule
	epsilon decimal.Decimal
}

// NewMatcher 创建字段匹配器
func NewMatcher(cfg Config) *Matcher {
	eps := cfg.Epsilon
	if eps <= 0 {
		eps = 1e-9
	}
	rules := make([]FieldRule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	return &Matcher{
		rules:   rules,
		epsilon: decimal.NewFromFloat(eps),
	}
}

// Match 按配置的规则逐字段比较两条记录
func (m *Matcher) Match(primary, counter *Record) *MatchResult {
	result := &MatchResult{
		Differences: make([]FieldDifference, 0, len(m.rules)),
	}

	for _, rule := range m.rules {
		a, okA := primary.Get(rule.Field)
		b, okB := counter.Get(rule.Field)

		// 两侧都没有：必填字段记入完整性问题，不产生差异条目
		if !okA && !okB {
			if rule.Mandatory {
				result.MissingMandatory = append(result.MissingMandatory, rule.Field)
			}
			continue
		}

		diff := FieldDifference{
			Field:   rule.Field,
			Code:    rule.Code,
			Role:    rule.Role,
			Kind:    rule.Kind,
			Primary: a,
			Counter: b,
			Weight:  rule.Weight,
		}

		switch {
		case !okA:
			diff.Missing = MissingPrimary
		case !okB:
			diff.Missing = MissingCounter
		default:
			m.compare(rule, a, b, &diff)
		}

		if diff.Match {
			if diff.Kind != RuleFuzzyString {
				diff.Similarity = 1
			}
			diff.MatchValue = diff.Similarity
		}

		m.applyFlags(result, &diff)
		result.Differences = append(result.Differences, diff)
	}

	return result
}

// compare 两侧都有值时按规则比较
func (m *Matcher) compare(rule FieldRule, a, b Value, diff *FieldDifference) {
	switch rule.Kind {
	case RuleNumericTolerance:
		m.compareNumeric(rule, a, b, diff)
	case RuleDateTolerance:
		compareDate(rule, a, b, diff)
	case RuleFuzzyString:
		sim := Similarity(normalizeText(a.Text()), normalizeText(b.Text()))
		diff.Similarity = sim
		diff.Match = sim >= rule.MinSimilarity
		diff.ViaTolerance = diff.Match && sim < 1
	default:
		diff.Match = exactEqual(a, b)
	}
}

// compareNumeric |a-b| / max(|a|,|b|,ε) <= pct
func (m *Matcher) compareNumeric(rule FieldRule, a, b Value, diff *FieldDifference) {
	da, okA := a.AsDecimal()
	db, okB := b.AsDecimal()
	if !okA || !okB {
		diff.Malformed = true
		return
	}

	denom := decimal.Max(da.Abs(), db.Abs(), m.epsilon)
	rel := da.Sub(db).Div(denom)
	delta := rel.InexactFloat64()
	diff.Delta = &delta

	diff.Match = rel.Abs().LessThanOrEqual(decimal.NewFromFloat(rule.Pct))
	diff.ViaTolerance = diff.Match && !rel.IsZero()
}

// compareDate |days(a)-days(b)| <= N
func compareDate(rule FieldRule, a, b Value, diff *FieldDifference) {
	ta, okA := a.AsDate()
	tb, okB := b.AsDate()
	if !okA || !okB {
		diff.Malformed = true
		return
	}

	days := int(ta.Sub(tb) / (24 * time.Hour))
	delta := float64(days)
	diff.Delta = &delta

	abs := days
	if abs < 0 {
		abs = -abs
	}
	diff.Match = abs <= rule.Days
	diff.ViaTolerance = diff.Match && days != 0
}

// exactEqual 归一化后完全相等
func exactEqual(a, b Value) bool {
	if a.Kind == KindDecimal && b.Kind == KindDecimal {
		return a.Dec.Equal(b.Dec)
	}
	if a.Kind == KindDate && b.Kind == KindDate {
		return a.Date.Equal(b.Date)
	}
	return normalizeText(a.Text()) == normalizeText(b.Text())
}

// applyFlags 维护 MatchResult 的子标记
func (m *Matcher) applyFlags(result *MatchResult, diff *FieldDifference) {
	switch diff.Role {
	case RoleIdentifier:
		result.IdentifierMatch = diff.Match
	case RoleAmount:
		result.AmountWithinTolerance = diff.Match
	case RoleDate:
		result.DateWithinTolerance = diff.Match
	case RoleCurrency:
		result.CurrencyMatch = diff.Match
	case RoleCounterparty:
		result.CounterpartySimilarity = diff.Similarity
	}
}

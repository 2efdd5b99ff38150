package triage

import "strings"

// ExceptionClassifier 异常分类器：异常类型 + 原因码 → 分诊类别
// 优先级：合规 > 数据质量 > 系统 > 可自动解决 > 运营
type ExceptionClassifier struct {
	rules     ClassifierRules
	autoMatch float64
}

// NewExceptionClassifier 创建异常分类器
func NewExceptionClassifier(rules Rules) *ExceptionClassifier {
	return &ExceptionClassifier{
		rules:     rules.Classifier,
		autoMatch: rules.AutoMatch,
	}
}

// Classify 纯查表，无副作用
func (c *ExceptionClassifier) Classify(rec *ExceptionRecord) Category {
	if c.anyCode(rec, c.isCompliance) {
		return CategoryCompliance
	}
	if rec.Type == TypeDataError || c.anyCode(rec, c.isData) {
		return CategoryDataQuality
	}
	if rec.Type == TypeSystemError || c.anyCode(rec, c.isTransient) {
		return CategorySystem
	}
	if c.nearAutoMatch(rec.MatchScore) {
		return CategoryAutoResolvable
	}
	return CategoryOperational
}

func (c *ExceptionClassifier) anyCode(rec *ExceptionRecord, pred func(string) bool) bool {
	for _, code := range rec.ReasonCodes {
		if pred(code) {
			return true
		}
	}
	return false
}

func (c *ExceptionClassifier) isCompliance(code string) bool {
	return hasAnyPrefix(code, c.rules.CompliancePrefixes)
}

func (c *ExceptionClassifier) isData(code string) bool {
	return hasAnyPrefix(code, c.rules.DataPrefixes)
}

func (c *ExceptionClassifier) isTransient(code string) bool {
	for _, t := range c.rules.TransientCodes {
		if code == t {
			return true
		}
	}
	return hasAnyPrefix(code, c.rules.TransientPrefixes)
}

// nearAutoMatch 得分落在 [autoMatch-band, autoMatch) 内
func (c *ExceptionClassifier) nearAutoMatch(score *float64) bool {
	if score == nil || c.rules.AutoResolveBand <= 0 {
		return false
	}
	return *score < c.autoMatch && c.autoMatch-*score <= c.rules.AutoResolveBand+1e-12
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

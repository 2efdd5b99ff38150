package matching

import (
	"fmt"
	"strings"
)

// Classification 匹配分类
type Classification string

const (
	ClassMatched        Classification = "MATCHED"
	ClassProbableMatch  Classification = "PROBABLE_MATCH"
	ClassReviewRequired Classification = "REVIEW_REQUIRED"
	ClassBreak          Classification = "BREAK"
	ClassDataError      Classification = "DATA_ERROR"
)

// Decision 决策状态
type Decision string

const (
	DecisionAutoMatch Decision = "AUTO_MATCH"
	DecisionEscalate  Decision = "ESCALATE"
	DecisionException Decision = "EXCEPTION"
)

// 完整性原因码
const (
	CodeDataError             = "DATA_ERROR"
	CodePartitionMismatch     = "DATA_PARTITION_MISMATCH"
	CodeMandatoryFieldMissing = "DATA_MANDATORY_FIELD_MISSING"
	CodeMalformedField        = "DATA_MALFORMED_FIELD"
)

// MismatchCode 字段不匹配原因码
func MismatchCode(stem string) string { return stem + "_MISMATCH" }

// MissingCode 单侧缺失原因码
func MissingCode(stem string) string { return stem + "_MISSING" }

// ToleranceCode 容差内匹配原因码
func ToleranceCode(stem string) string { return "WITHIN_" + stem + "_TOLERANCE" }

// FuzzyCode 模糊匹配原因码
func FuzzyCode(stem string) string { return "FUZZY_" + stem + "_MATCH" }

// Verdict 分类结论
type Verdict struct {
	Classification Classification
	Decision       Decision
	ReasonCodes    []string // 完整性 → 不匹配 → 容差通过，去重且顺序稳定
	Details        []string // 完整性问题的分区/字段明细
}

// Classifier 分类状态机
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier 创建分类器
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{thresholds: t}
}

// Threshold 纯阈值映射（严格 >=）
func (c *Classifier) Threshold(score float64) (Classification, Decision) {
	switch {
	case score >= c.thresholds.AutoMatch:
		return ClassMatched, DecisionAutoMatch
	case score >= c.thresholds.Probable:
		return ClassProbableMatch, DecisionEscalate
	case score >= c.thresholds.Review:
		return ClassReviewRequired, DecisionException
	default:
		return ClassBreak, DecisionException
	}
}

// Classify 先做完整性检查，再按阈值分类
func (c *Classifier) Classify(score float64, mr *MatchResult, primary, counter *Record) Verdict {
	integrity, details := integrityCodes(mr, primary, counter)
	mismatch, tolerance := fieldCodes(mr)

	codes := newCodeList(len(integrity) + len(mismatch) + len(tolerance))
	codes.add(integrity...)
	codes.add(mismatch...)
	codes.add(tolerance...)

	v := Verdict{ReasonCodes: codes.items, Details: details}
	if len(integrity) > 0 {
		v.Classification = ClassDataError
		v.Decision = DecisionException
		return v
	}

	v.Classification, v.Decision = c.Threshold(score)
	return v
}

// integrityCodes 分区不一致 / 必填字段两侧缺失 / 值无法解析
func integrityCodes(mr *MatchResult, primary, counter *Record) ([]string, []string) {
	var specific, details []string

	for _, side := range []struct {
		name string
		rec  *Record
	}{{"primary", primary}, {"counter", counter}} {
		if side.rec == nil {
			continue
		}
		if side.rec.Category != "" && side.rec.Partition != "" &&
			!strings.EqualFold(side.rec.Category, side.rec.Partition) {
			specific = append(specific, CodePartitionMismatch)
			details = append(details, fmt.Sprintf("%s: category=%s partition=%s",
				side.name, side.rec.Category, side.rec.Partition))
		}
	}

	if mr != nil {
		for _, field := range mr.MissingMandatory {
			specific = append(specific, CodeMandatoryFieldMissing)
			details = append(details, fmt.Sprintf("field=%s absent on both sides", field))
		}
		for _, d := range mr.Differences {
			if d.Malformed {
				specific = append(specific, CodeMalformedField)
				details = append(details, fmt.Sprintf("field=%s cannot be read as %s", d.Field, d.Kind))
			}
		}
	}

	if len(specific) == 0 {
		return nil, nil
	}
	return append([]string{CodeDataError}, specific...), details
}

// fieldCodes 按配置字段顺序生成不匹配码与容差通过码
func fieldCodes(mr *MatchResult) ([]string, []string) {
	if mr == nil {
		return nil, nil
	}
	var mismatch, tolerance []string
	for _, d := range mr.Differences {
		switch {
		case d.Missing != MissingNone:
			mismatch = append(mismatch, MissingCode(d.Code))
		case d.Malformed:
			// 已在完整性码中体现
		case !d.Match:
			mismatch = append(mismatch, MismatchCode(d.Code))
		case d.ViaTolerance && d.Kind == RuleFuzzyString:
			tolerance = append(tolerance, FuzzyCode(d.Code))
		case d.ViaTolerance:
			tolerance = append(tolerance, ToleranceCode(d.Code))
		}
	}
	return mismatch, tolerance
}

// codeList 保序去重
type codeList struct {
	items []string
	seen  map[string]struct{}
}

func newCodeList(n int) *codeList {
	return &codeList{items: make([]string, 0, n), seen: make(map[string]struct{}, n)}
}

func (l *codeList) add(codes ...string) {
	for _, c := range codes {
		if _, ok := l.seen[c]; ok {
			continue
		}
		l.seen[c] = struct{}{}
		l.items = append(l.items, c)
	}
}

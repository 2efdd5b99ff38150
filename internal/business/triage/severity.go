package triage

// 严重等级分段：[0,0.3) LOW, [0.3,0.6) MEDIUM, [0.6,0.8) HIGH, [0.8,1] CRITICAL
const (
	bandMedium   = 0.3
	bandHigh     = 0.6
	bandCritical = 0.8
)

// LevelOf 分数 → 严重等级，分段连续且覆盖 [0,1]
func LevelOf(score float64) Level {
	switch {
	case score >= bandCritical:
		return LevelCritical
	case score >= bandHigh:
		return LevelHigh
	case score >= bandMedium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// PriorityOf 优先级：CRITICAL=1 … LOW=4，AUTO_RESOLVABLE 固定为 5
func PriorityOf(cat Category, level Level) int {
	if cat == CategoryAutoResolvable {
		return PriorityAutoResolvable
	}
	switch level {
	case LevelCritical:
		return 1
	case LevelHigh:
		return 2
	case LevelMedium:
		return 3
	default:
		return 4
	}
}

// Severity 严重度评分明细
type Severity struct {
	Score       float64  `json:"score"`
	Level       Level    `json:"level"`
	Base        float64  `json:"base"`
	RetryAdj    float64  `json:"retry_adj"`
	NearMissAdj float64  `json:"near_miss_adj"`
	PolicyAdj   float64  `json:"policy_adj"`
	Key         StateKey `json:"-"` // 查询/学习策略用的离散状态（策略修正之前的等级）
}

// SeverityScorer 严重度评分
// 给定同一份策略快照，输出是确定的；策略更新发生在两次调用之间时结果会变化
type SeverityScorer struct {
	rules Rules
}

// NewSeverityScorer 创建严重度评分器
func NewSeverityScorer(rules Rules) *SeverityScorer {
	return &SeverityScorer{rules: rules}
}

// Score 基础分 + 重试增量 + near-miss 减量 + 策略修正，最后截断到 [0,1]
func (s *SeverityScorer) Score(rec *ExceptionRecord, cat Category, view PolicyView) Severity {
	sev := Severity{Base: s.base(rec)}

	// 首次之后每次重试 +step，只受最终 [0,1] 截断约束
	if rec.RetryCount > 1 {
		sev.RetryAdj = float64(rec.RetryCount-1) * s.rules.RetryStep
	}

	if rec.MatchScore != nil {
		gap := s.rules.AutoMatch - *rec.MatchScore
		if gap > 0 && gap <= s.rules.NearMissWindow+1e-12 {
			sev.NearMissAdj = -s.rules.NearMissDiscount
		}
	}

	pre := clampUnit(sev.Base + sev.RetryAdj + sev.NearMissAdj)
	band := LevelOf(pre)
	sev.Key = StateKey{
		Category:    cat,
		Band:        band,
		RetryBucket: RetryBucket(rec.RetryCount),
		Priority:    PriorityOf(cat, band),
	}

	if view != nil {
		sev.PolicyAdj = view.SeverityAdjustment(sev.Key)
	}

	sev.Score = clampUnit(pre + sev.PolicyAdj)
	sev.Level = LevelOf(sev.Score)
	return sev
}

// base 命中原因码中最高的基础严重度
func (s *SeverityScorer) base(rec *ExceptionRecord) float64 {
	best := -1.0
	for _, code := range rec.ReasonCodes {
		if v, ok := s.rules.SeverityBase[code]; ok && v > best {
			best = v
		}
	}
	if best < 0 {
		return s.rules.DefaultSeverity
	}
	return best
}

func clampUnit(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package matching

import "math"

// scorePrecision 打分结果保留 9 位小数，避免浮点累加让阈值比较失真
const scorePrecision = 1e9

// Score 置信度得分
type Score struct {
	Value float64 // [0,1]
	Low   float64 // 置信区间下界（仅展示）
	High  float64 // 置信区间上界（仅展示）
}

// Aggregator 加权打分器
type Aggregator struct{}

// NewAggregator 创建打分器
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Aggregate Score = Σ(weight × match_value)
// 缺失字段和不匹配字段的 match_value 为 0，因此得分随匹配字段增多单调不减
func (a *Aggregator) Aggregate(mr *MatchResult) Score {
	if mr == nil || len(mr.Differences) == 0 {
		return Score{}
	}

	total := 0.0
	values := make([]float64, 0, len(mr.Differences))
	for _, d := range mr.Differences {
		total += d.Weight * d.MatchValue
		values = append(values, d.MatchValue)
	}
	total = clamp01(roundScore(total))

	spread := stddev(values)
	return Score{
		Value: total,
		Low:   clamp01(roundScore(total - spread)),
		High:  clamp01(roundScore(total + spread)),
	}
}

func roundScore(v float64) float64 {
	return math.Round(v*scorePrecision) / scorePrecision
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stddev 子分数的总体标准差
func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

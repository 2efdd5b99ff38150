package triage

// StateVectorLen 状态向量长度
const StateVectorLen = 8

// BuildStateVector 构造定长状态向量（仅供策略学习使用）
// [0..3] 异常类型 one-hot, [4] 匹配得分（无则 -1), [5] 重试次数/上限,
// [6] 原因码数量/10, [7] 是否含合规原因码
func BuildStateVector(rec *ExceptionRecord, maxRetries int, compliancePrefixes []string) []float64 {
	v := make([]float64, StateVectorLen)

	for i, t := range ExceptionTypes {
		if rec.Type == t {
			v[i] = 1
		}
	}

	v[4] = -1
	if rec.MatchScore != nil {
		v[4] = *rec.MatchScore
	}

	if maxRetries > 0 {
		v[5] = clampUnit(float64(rec.RetryCount) / float64(maxRetries))
	}

	v[6] = clampUnit(float64(len(rec.ReasonCodes)) / 10)

	for _, code := range rec.ReasonCodes {
		if hasAnyPrefix(code, compliancePrefixes) {
			v[7] = 1
			break
		}
	}
	return v
}

package model

// 动作类型（Job 路由键）
const (
	ActionMatchPair         = "match_pair"         // 交易对匹配
	ActionReportException   = "report_exception"   // 外部上报的异常
	ActionResolutionOutcome = "resolution_outcome" // 处理结果反馈
	ActionRoutingOverride   = "routing_override"   // 人工改派
)

// ReconJob 标准 Job 消息
// 用于 apiserver → worker 的消息传递
type ReconJob struct {
	Payload ReconPayload `json:"payload"`
}

// ReconPayload Job 负载
type ReconPayload struct {
	Data ReconJobData `json:"data"`
}

// ReconJobData Job 数据层
type ReconJobData struct {
	// 元信息
	RequestID  string `json:"request_id"`  // 请求 ID（全链路追踪）
	OrgID      string `json:"org_id"`      // 组织 ID
	ActionType string `json:"action_type"` // 动作类型
	ID         string `json:"id"`          // 业务 ID（transaction_id / exception_id）

	// 业务数据
	Data interface{} `json:"data"`
}

// NewReconJob 构造 Job 消息
func NewReconJob(requestID, orgID, actionType, id string, data interface{}) *ReconJob {
	return &ReconJob{
		Payload: ReconPayload{
			Data: ReconJobData{
				RequestID:  requestID,
				OrgID:      orgID,
				ActionType: actionType,
				ID:         id,
				Data:       data,
			},
		},
	}
}

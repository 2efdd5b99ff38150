package domains

import (
	"oip/recon/common/model"
	"oip/recon/internal/domains/common"
	"oip/recon/internal/domains/handlers/exception"
	"oip/recon/internal/domains/handlers/feedback"
	"oip/recon/internal/domains/handlers/match"
	"oip/recon/internal/framework"
)

// HandlerBuilder 绑定业务服务后得到 framework.HandlerFactory
type HandlerBuilder func(svc *common.Services) framework.HandlerFactory

// HandlerMap 路由表（ActionType → Handler 映射）
var HandlerMap = map[string]HandlerBuilder{
	model.ActionMatchPair:         match.NewMatchHandler,
	model.ActionReportException:   exception.NewReportHandler,
	model.ActionResolutionOutcome: feedback.NewOutcomeHandler,
	model.ActionRoutingOverride:   feedback.NewOverrideHandler,
}

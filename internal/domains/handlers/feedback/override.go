package feedback

import (
	"context"

	"oip/recon/common/model"
	"oip/recon/internal/business"
	"oip/recon/internal/domains/common"
	"oip/recon/internal/framework"
)

// OverrideHandler 人工改派：更新目的地/严重度，必要时重新投递，并作为监督信号交给学习器
type OverrideHandler struct {
	framework.BaseHandler

	svc     *common.Services
	event   *model.OverrideEvent
	outcome *business.TriageOutcome
}

// NewOverrideHandler 绑定服务，返回 Handler 构造函数
func NewOverrideHandler(svc *common.Services) framework.HandlerFactory {
	return func(ctx context.Context, baseHandler *framework.BaseHandler) (framework.BusinessHandler, error) {
		var ev model.OverrideEvent
		if err := baseHandler.DecodePayload(&ev); err != nil {
			return nil, err
		}
		if ev.ExceptionID == "" {
			ev.ExceptionID = baseHandler.GetMeta().ID
		}

		handler := &OverrideHandler{
			BaseHandler: *baseHandler,
			svc:         svc,
			event:       &ev,
		}
		handler.SetResulter(NewFeedbackResulter())

		return handler, nil
	}
}

// Handle 处理入口
func (h *OverrideHandler) Handle(ctx context.Context) ([]byte, error) {
	processFuncs := []framework.ProcessorFunc{
		h.PreProcess,
		h.Process,
		h.PostProcess,
	}

	if err := framework.NewPreProcessor(processFuncs).Run(ctx); err != nil {
		data, _ := h.WrapErrorResponse(ctx, err)
		return data, err
	}

	return h.WrapResponse(ctx, h.GetOutput())
}

// PreProcess 校验改派事件
func (h *OverrideHandler) PreProcess(ctx context.Context) error {
	return h.svc.ValidateStruct(h.event)
}

// Process 应用改派
func (h *OverrideHandler) Process(ctx context.Context) error {
	outcome, err := h.svc.Triage.ApplyOverride(ctx, h.event)
	if err != nil {
		return err
	}
	h.outcome = outcome
	return nil
}

// PostProcess 组装输出
func (h *OverrideHandler) PostProcess(ctx context.Context) error {
	if err := h.GetResulter().Set(ctx, &feedbackResult{eventID: h.event.EventID, state: h.outcome.State}); err != nil {
		return err
	}
	h.SetOutput(h.GetResulter().Get(ctx))
	return nil
}

package feedback

import (
	"context"

	"oip/recon/common/model"
	"oip/recon/internal/business/triage"
	"oip/recon/internal/domains/common"
	"oip/recon/internal/framework"
)

// OutcomeHandler 处理结果反馈：标记 RESOLVED 并交给策略学习器
type OutcomeHandler struct {
	framework.BaseHandler

	svc   *common.Services
	event *model.ResolutionEvent
	state *triage.TriageState
}

// NewOutcomeHandler 绑定服务，返回 Handler 构造函数
func NewOutcomeHandler(svc *common.Services) framework.HandlerFactory {
	return func(ctx context.Context, baseHandler *framework.BaseHandler) (framework.BusinessHandler, error) {
		var ev model.ResolutionEvent
		if err := baseHandler.DecodePayload(&ev); err != nil {
			return nil, err
		}
		if ev.ExceptionID == "" {
			ev.ExceptionID = baseHandler.GetMeta().ID
		}

		handler := &OutcomeHandler{
			BaseHandler: *baseHandler,
			svc:         svc,
			event:       &ev,
		}
		handler.SetResulter(NewFeedbackResulter())

		return handler, nil
	}
}

// Handle 处理入口
func (h *OutcomeHandler) Handle(ctx context.Context) ([]byte, error) {
	processFuncs := []framework.ProcessorFunc{
		func(ctx context.Context) error { return h.svc.ValidateStruct(h.event) },
		h.Process,
		h.PostProcess,
	}

	if err := framework.NewPreProcessor(processFuncs).Run(ctx); err != nil {
		data, _ := h.WrapErrorResponse(ctx, err)
		return data, err
	}

	return h.WrapResponse(ctx, h.GetOutput())
}

// Process 应用处理结果
func (h *OutcomeHandler) Process(ctx context.Context) error {
	st, err := h.svc.Triage.ApplyOutcome(ctx, h.event)
	if err != nil {
		return err
	}
	h.state = st
	return nil
}

// PostProcess 组装输出
func (h *OutcomeHandler) PostProcess(ctx context.Context) error {
	if err := h.GetResulter().Set(ctx, &feedbackResult{eventID: h.event.EventID, state: h.state}); err != nil {
		return err
	}
	h.SetOutput(h.GetResulter().Get(ctx))
	return nil
}

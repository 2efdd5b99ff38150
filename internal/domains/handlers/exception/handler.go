package exception

import (
	"context"

	"oip/recon/common/model"
	"oip/recon/internal/business"
	"oip/recon/internal/domains/common"
	"oip/recon/internal/framework"
)

// ReportHandler 外部异常上报处理器
type ReportHandler struct {
	framework.BaseHandler

	svc     *common.Services
	report  *model.ExceptionReport
	outcome *business.TriageOutcome
}

// NewReportHandler 绑定服务，返回 Handler 构造函数
func NewReportHandler(svc *common.Services) framework.HandlerFactory {
	return func(ctx context.Context, baseHandler *framework.BaseHandler) (framework.BusinessHandler, error) {
		var report model.ExceptionReport
		if err := baseHandler.DecodePayload(&report); err != nil {
			return nil, err
		}

		handler := &ReportHandler{
			BaseHandler: *baseHandler,
			svc:         svc,
			report:      &report,
		}
		handler.SetResulter(NewTriageResulter())

		return handler, nil
	}
}

// Handle 处理入口
func (h *ReportHandler) Handle(ctx context.Context) ([]byte, error) {
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

// PreProcess 校验上报内容
func (h *ReportHandler) PreProcess(ctx context.Context) error {
	if h.report.ID == "" {
		h.report.ID = h.GetMeta().ID
	}
	return h.svc.ValidateStruct(h.report)
}

// Process 分诊并投递
func (h *ReportHandler) Process(ctx context.Context) error {
	outcome, err := h.svc.Triage.ReportException(ctx, h.report)
	if err != nil {
		return err
	}
	h.outcome = outcome
	return nil
}

// PostProcess 组装输出
func (h *ReportHandler) PostProcess(ctx context.Context) error {
	if err := h.GetResulter().Set(ctx, h.outcome); err != nil {
		return err
	}
	h.SetOutput(h.GetResulter().Get(ctx))
	return nil
}

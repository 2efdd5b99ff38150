package match

import (
	"context"

	"oip/recon/internal/business"
	"oip/recon/internal/business/matching"
	"oip/recon/internal/domains/common"
	"oip/recon/internal/framework"
	"oip/recon/pkg/errorutil"
)

// MatchHandler 交易对匹配处理器
type MatchHandler struct {
	framework.BaseHandler

	svc     *common.Services
	pair    *matching.Pair
	outcome *business.ReconcileOutcome
}

// NewMatchHandler 绑定服务，返回 Handler 构造函数
func NewMatchHandler(svc *common.Services) framework.HandlerFactory {
	return func(ctx context.Context, baseHandler *framework.BaseHandler) (framework.BusinessHandler, error) {
		var pair matching.Pair
		if err := baseHandler.DecodePayload(&pair); err != nil {
			return nil, err
		}

		handler := &MatchHandler{
			BaseHandler: *baseHandler,
			svc:         svc,
			pair:        &pair,
		}
		handler.SetResulter(NewMatchResulter())

		return handler, nil
	}
}

// Handle 处理入口
func (h *MatchHandler) Handle(ctx context.Context) ([]byte, error) {
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

// PreProcess 结构校验（交易 ID、两侧记录、字段重复）
func (h *MatchHandler) PreProcess(ctx context.Context) error {
	if meta := h.GetMeta(); meta.ID != "" && h.pair.TransactionID == "" {
		h.pair.TransactionID = meta.ID
	}
	if err := h.pair.Validate(); err != nil {
		return errorutil.NonRetriableWithDetails("invalid transaction pair", err.Error())
	}
	return nil
}

// Process 匹配 → 落库 → 分诊
func (h *MatchHandler) Process(ctx context.Context) error {
	outcome, err := h.svc.Reconcile.Reconcile(ctx, h.pair)
	if err != nil {
		return err
	}
	h.outcome = outcome
	return nil
}

// PostProcess 组装输出
func (h *MatchHandler) PostProcess(ctx context.Context) error {
	if err := h.GetResulter().Set(ctx, h.outcome); err != nil {
		return err
	}
	h.SetOutput(h.GetResulter().Get(ctx))
	return nil
}

package domains

import (
	"context"
	"time"

	"github.com/bitleak/lmstfy/client"
	"github.com/google/uuid"

	"oip/recon/internal/domains/common"
	"oip/recon/internal/framework"
	"oip/recon/pkg/errorutil"
	"oip/recon/pkg/lmstfyx"
	"oip/recon/pkg/logger"
)

// GetProcess 返回核心处理函数（注入到 Processor）
func GetProcess(log logger.Logger, svc *common.Services) lmstfyx.Proc {
	return func(ctx context.Context, lmstfyJob *client.Job) (resp *lmstfyx.JobResp) {
		startTime := time.Now()

		// 1. 解析 Job
		base := &framework.BaseHandler{}
		if err := base.ParseJob(ctx, lmstfyJob.Data); err != nil {
			log.Errorf(ctx, "[GetProcess] parseJob failed: %v", err)
			data, _ := base.WrapErrorResponse(ctx, err)
			return lmstfyx.Bury(data)
		}
		meta := base.GetMeta()

		// RequestID 为空则生成一个
		if meta.RequestID == "" {
			meta.RequestID = uuid.New().String()
		}

		// 2. 注入 TraceID 到 Context
		ctx = logger.WithField(ctx, logger.KeyTraceID, meta.RequestID)
		ctx = logger.WithField(ctx, logger.KeyActionType, meta.ActionType)

		log.Infof(ctx, "[GetProcess] Processing job: action_type=%s, request_id=%s, id=%s",
			meta.ActionType, meta.RequestID, meta.ID)

		// 3. 从 HandlerMap 获取 Handler
		builder, ok := HandlerMap[meta.ActionType]
		if !ok {
			log.Errorf(ctx, "[GetProcess] handler not found for action_type: %s", meta.ActionType)
			data, _ := base.WrapErrorResponse(ctx, errorutil.NonRetriable("unknown action_type "+meta.ActionType))
			return lmstfyx.Bury(data)
		}

		// 4. 调用 Handler（捕获 panic）
		defer func() {
			if r := recover(); r != nil {
				log.Errorf(ctx, "[GetProcess] handler panic: %v", r)
				resp = lmstfyx.Bury(nil)
			}
			log.Infof(ctx, "[GetProcess] Processing complete: action=%s, duration=%v", resp.Action, time.Since(startTime))
		}()

		handler, err := builder(svc)(ctx, base)
		if err != nil {
			log.Errorf(ctx, "[GetProcess] handler creation failed: %v", err)
			data, _ := base.WrapErrorResponse(ctx, err)
			return doJobReport(ctx, data, err, log)
		}

		data, err := handler.Handle(ctx)
		return doJobReport(ctx, data, err, log)
	}
}

// doJobReport 生成 JobResp（根据错误判断 ACK/Bury/Release）
// 可重试错误（存储/队列暂时不可用）Release 等待重投，其余错误 Bury
func doJobReport(ctx context.Context, data []byte, err error, log logger.Logger) *lmstfyx.JobResp {
	if err == nil {
		return lmstfyx.Ack(data)
	}
	if errorutil.IsRetryable(err) {
		log.Warnf(ctx, "[doJobReport] retryable failure, releasing: %v", err)
		return lmstfyx.Release(data)
	}
	log.Errorf(ctx, "[doJobReport] non-retryable failure, burying: %v", err)
	return lmstfyx.Bury(data)
}

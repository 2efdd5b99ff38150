package recon

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"oip/recon/common/model"
	"oip/recon/internal/api/ginx"
	"oip/recon/internal/api/middlewares"
	"oip/recon/internal/business/matching"
)

// SubmitPair 提交交易对
// POST /api/v1/pairs
func (h *ReconHandler) SubmitPair(c *gin.Context) {
	var pair matching.Pair
	if err := c.ShouldBindJSON(&pair); err != nil {
		ginx.BadRequest(c, err.Error())
		return
	}
	if err := pair.Validate(); err != nil {
		ginx.BadRequest(c, err.Error())
		return
	}

	h.enqueue(c, h.queues.Match, model.ActionMatchPair, pair.TransactionID, &pair, "")
}

// ReportException 外部环节上报异常
// POST /api/v1/exceptions
func (h *ReconHandler) ReportException(c *gin.Context) {
	var req model.ExceptionReport
	if err := c.ShouldBindJSON(&req); err != nil {
		ginx.BadRequestWithValidation(c, err)
		return
	}

	poll := ""
	if req.ID != "" {
		poll = fmt.Sprintf("/api/v1/exceptions/%s", req.ID)
	}
	h.enqueue(c, h.queues.Exception, model.ActionReportException, req.ID, &req, poll)
}

// SubmitResolution 处理结果反馈
// POST /api/v1/exceptions/:id/resolution
func (h *ReconHandler) SubmitResolution(c *gin.Context) {
	var ev model.ResolutionEvent
	ev.ExceptionID = c.Param("id")
	if err := c.ShouldBindJSON(&ev); err != nil {
		ginx.BadRequestWithValidation(c, err)
		return
	}
	if ev.ExceptionID != c.Param("id") {
		ginx.BadRequest(c, "exception_id does not match path")
		return
	}

	h.enqueue(c, h.queues.Feedback, model.ActionResolutionOutcome, ev.ExceptionID, &ev,
		fmt.Sprintf("/api/v1/exceptions/%s", ev.ExceptionID))
}

// SubmitOverride 人工改派
// POST /api/v1/exceptions/:id/override
func (h *ReconHandler) SubmitOverride(c *gin.Context) {
	var ev model.OverrideEvent
	ev.ExceptionID = c.Param("id")
	if err := c.ShouldBindJSON(&ev); err != nil {
		ginx.BadRequestWithValidation(c, err)
		return
	}
	if ev.ExceptionID != c.Param("id") {
		ginx.BadRequest(c, "exception_id does not match path")
		return
	}
	if ev.Destination == "" && ev.Severity == nil {
		ginx.BadRequest(c, "destination or severity is required")
		return
	}

	h.enqueue(c, h.queues.Feedback, model.ActionRoutingOverride, ev.ExceptionID, &ev,
		fmt.Sprintf("/api/v1/exceptions/%s", ev.ExceptionID))
}

// enqueue 包装标准 Job 并投递
func (h *ReconHandler) enqueue(c *gin.Context, queue, action, id string, data interface{}, pollURL string) {
	ctx := c.Request.Context()
	requestID := middlewares.GetRequestID(c)

	job := model.NewReconJob(requestID, "", action, id, data)
	payload, err := json.Marshal(job)
	if err != nil {
		ginx.InternalError(c, err.Error())
		return
	}

	if err := h.publisher.Publish(ctx, queue, payload); err != nil {
		h.logger.Errorf(ctx, "[ReconHandler] publish %s to %s failed: %v", action, queue, err)
		ginx.Error(c, 503, "queue unavailable")
		return
	}

	h.logger.Infof(ctx, "[ReconHandler] %s queued on %s, id=%s", action, queue, id)
	ginx.Accepted(c, &ginx.AcceptedData{RequestID: requestID, ID: id, Queue: queue, PollURL: pollURL})
}

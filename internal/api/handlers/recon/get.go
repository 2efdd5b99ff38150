package recon

import (
	"github.com/gin-gonic/gin"

	"oip/recon/internal/api/ginx"
)

// GetResult 查询匹配结果
// GET /api/v1/results/:id
func (h *ReconHandler) GetResult(c *gin.Context) {
	resultID := c.Param("id")
	if resultID == "" {
		ginx.BadRequest(c, "result_id required")
		return
	}

	result, err := h.query.GetResult(c.Request.Context(), resultID)
	if err != nil {
		ginx.FromError(c, err)
		return
	}

	ginx.Success(c, result)
}

// GetException 查询异常及分诊状态
// GET /api/v1/exceptions/:id
func (h *ReconHandler) GetException(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		ginx.BadRequest(c, "exception_id required")
		return
	}

	view, err := h.query.GetException(c.Request.Context(), id)
	if err != nil {
		ginx.FromError(c, err)
		return
	}

	ginx.Success(c, view)
}

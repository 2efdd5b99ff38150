package common

import (
	"github.com/go-playground/validator/v10"

	"oip/recon/internal/business"
	"oip/recon/pkg/errorutil"
	"oip/recon/pkg/logger"
)

// Services Handler 依赖的业务服务（worker 启动时装配一次）
type Services struct {
	Reconcile *business.ReconcileService
	Triage    *business.TriageService
	Validate  *validator.Validate
	Log       logger.Logger
}

// NewValidator 创建校验器；与 gin 共用 binding 标签
func NewValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// ValidateStruct 结构体校验，失败不可重试
func (s *Services) ValidateStruct(v interface{}) error {
	if s.Validate == nil {
		return nil
	}
	if err := s.Validate.Struct(v); err != nil {
		return errorutil.NonRetriableWithDetails("invalid job payload", err.Error())
	}
	return nil
}

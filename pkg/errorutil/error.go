package errorutil

import (
	"errors"
	"fmt"
)

// 错误分类（与异常分诊类别对齐，便于失败直接转成异常记录）
const (
	CategoryInput  = "INPUT"        // 输入错误：字段缺失/格式错误/分区不匹配
	CategorySystem = "SYSTEM_ISSUE" // 基础设施错误：存储/队列超时，重试耗尽
	CategoryConfig = "CONFIG"       // 配置错误：启动期致命
)

// Error 错误结构（包含可重试标记）
type Error struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Category   string `json:"category,omitempty"`
	DevDetails string `json:"dev_details,omitempty"`
	cause      error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	return e.Message
}

// Unwrap 支持 errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.cause
}

// Retriable 创建可重试错误（网络错误、临时故障等）
func Retriable(message string) *Error {
	return &Error{
		Code:      500,
		Message:   message,
		Retryable: true,
	}
}

// RetriableWithDetails 创建可重试错误（带详细信息）
func RetriableWithDetails(message string, details string) *Error {
	return &Error{
		Code:       500,
		Message:    message,
		Retryable:  true,
		DevDetails: details,
	}
}

// NonRetriable 创建不可重试错误（参数错误、业务规则错误等）
func NonRetriable(message string) *Error {
	return &Error{
		Code:      400,
		Message:   message,
		Retryable: false,
		Category:  CategoryInput,
	}
}

// NonRetriableWithDetails 创建不可重试错误（带详细信息）
func NonRetriableWithDetails(message string, details string) *Error {
	return &Error{
		Code:       400,
		Message:    message,
		Retryable:  false,
		Category:   CategoryInput,
		DevDetails: details,
	}
}

// SystemIssue 创建基础设施类错误（重试耗尽后使用）
// 保留原始错误，调用方可以继续 errors.Is 判断
func SystemIssue(message string, cause error) *Error {
	e := &Error{
		Code:      503,
		Message:   message,
		Retryable: true,
		Category:  CategorySystem,
		cause:     cause,
	}
	if cause != nil {
		e.Message = fmt.Sprintf("%s: %v", message, cause)
		e.DevDetails = fmt.Sprintf("%+v", cause)
	}
	return e
}

// Wrap 包装错误（自动判断是否可重试）
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}

	// 如果链路上已经是 Error 类型，直接返回
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	// 默认为不可重试错误
	return &Error{
		Code:       500,
		Message:    err.Error(),
		Retryable:  false,
		DevDetails: fmt.Sprintf("%+v", err),
		cause:      err,
	}
}

// UnWrapResponse 解包错误（用于 Response）
func UnWrapResponse(err error) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err)
}

// IsRetryable 判断错误链上是否存在可重试标记
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsSystemIssue 判断错误是否为基础设施类错误
func IsSystemIssue(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == CategorySystem
	}
	return false
}

package framework

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"oip/recon/pkg/errorutil"
)

// PreProcessor 函数链处理器
type PreProcessor struct {
	processFuncs []ProcessorFunc
}

// NewPreProcessor 创建函数链处理器
func NewPreProcessor(processFuncs []ProcessorFunc) *PreProcessor {
	return &PreProcessor{
		processFuncs: processFuncs,
	}
}

// Run 执行函数链
// 任一函数返回 error 则立即停止；错误保留原始链（errors.As 仍可取到 errorutil.Error）
// 超时或取消后不再执行后续阶段，返回可重试错误，消息等待重投
func (p *PreProcessor) Run(ctx context.Context) error {
	for i, processFunc := range p.processFuncs {
		if err := ctx.Err(); err != nil {
			return errorutil.SystemIssue(fmt.Sprintf("stage[%d] %s not started", i, stageName(processFunc)), err)
		}
		if err := processFunc(ctx); err != nil {
			return fmt.Errorf("stage[%d] %s failed: %w", i, stageName(processFunc), err)
		}
	}
	return nil
}

// stageName 方法值的短名，如 PreProcess
func stageName(fn ProcessorFunc) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "anonymous"
	}
	name := strings.TrimSuffix(f.Name(), "-fm")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

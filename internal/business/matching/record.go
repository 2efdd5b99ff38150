package matching

import (
	"errors"
	"fmt"
)

// Field 记录中的一个字段
type Field struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Record 一条交易记录（字段有序，引擎只读不改）
type Record struct {
	ID        string  `json:"id"`        // 记录 ID（MatchingResult 只引用 ID）
	Category  string  `json:"category"`  // 来源声明的类别
	Partition string  `json:"partition"` // 实际存储分区
	Fields    []Field `json:"fields"`
}

// Get 按字段名取值；缺失或为空时返回 false
func (r *Record) Get(name string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	for _, f := range r.Fields {
		if f.Name == name {
			if f.Value.IsNull() {
				return f.Value, false
			}
			return f.Value, true
		}
	}
	return Value{}, false
}

// Pair 同一笔交易的两侧记录
type Pair struct {
	TransactionID string  `json:"transaction_id"`
	Primary       *Record `json:"primary"`
	Counter       *Record `json:"counter"`
	PriorResultID string  `json:"prior_result_id,omitempty"` // 更正时引用上一次结果
}

var (
	ErrMissingTransactionID = errors.New("transaction_id is required")
	ErrMissingRecord        = errors.New("both primary and counter records are required")
	ErrResultNotFound       = errors.New("matching result not found")
)

// Validate 校验交易对结构
func (p *Pair) Validate() error {
	if p == nil || p.TransactionID == "" {
		return ErrMissingTransactionID
	}
	if p.Primary == nil || p.Counter == nil {
		return ErrMissingRecord
	}
	seen := make(map[string]struct{}, len(p.Primary.Fields))
	for _, f := range p.Primary.Fields {
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("primary record has duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	seen = make(map[string]struct{}, len(p.Counter.Fields))
	for _, f := range p.Counter.Fields {
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("counter record has duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

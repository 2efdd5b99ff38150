package matching

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind 字段值类型
type Kind string

const (
	KindString  Kind = "string"
	KindDecimal Kind = "decimal"
	KindDate    Kind = "date"
	KindNull    Kind = "null"
)

// DateLayout 日期字段的线上格式（按自然日比较）
const DateLayout = "2006-01-02"

// Value 带类型的字段值
type Value struct {
	Kind Kind
	Str  string
	Dec  decimal.Decimal
	Date time.Time
}

// String 构造字符串值
func String(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// Decimal 构造十进制值
func Decimal(d decimal.Decimal) Value {
	return Value{Kind: KindDecimal, Dec: d}
}

// DecimalFromString 解析十进制字符串
func DecimalFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return Decimal(d), nil
}

// Date 构造日期值，截断到 UTC 自然日
func Date(t time.Time) Value {
	u := t.UTC()
	return Value{Kind: KindDate, Date: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

// DateFromString 解析 YYYY-MM-DD
func DateFromString(s string) (Value, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Value{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date(t), nil
}

// Null 空值
func Null() Value {
	return Value{Kind: KindNull}
}

// IsNull 是否为空值（零值 Value 也视为空）
func (v Value) IsNull() bool {
	return v.Kind == KindNull || v.Kind == ""
}

// Text 值的规范文本表示
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindDecimal:
		return v.Dec.String()
	case KindDate:
		return v.Date.Format(DateLayout)
	default:
		return ""
	}
}

// AsDecimal 尝试把值读成十进制（字符串值会被解析）
func (v Value) AsDecimal() (decimal.Decimal, bool) {
	switch v.Kind {
	case KindDecimal:
		return v.Dec, true
	case KindString:
		d, err := decimal.NewFromString(normalizeSpace(v.Str))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// AsDate 尝试把值读成日期（字符串值会被解析）
func (v Value) AsDate() (time.Time, bool) {
	switch v.Kind {
	case KindDate:
		return v.Date, true
	case KindString:
		d, err := DateFromString(normalizeSpace(v.Str))
		if err != nil {
			return time.Time{}, false
		}
		return d.Date, true
	default:
		return time.Time{}, false
	}
}

// wireValue 线上格式 {"kind":"decimal","value":"1.00"}
type wireValue struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value,omitempty"`
}

// MarshalJSON 输出线上格式
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsNull() {
		return json.Marshal(wireValue{Kind: KindNull})
	}
	return json.Marshal(wireValue{Kind: v.Kind, Value: v.Text()})
}

// UnmarshalJSON 解析线上格式
// 同时接受裸 JSON 字符串/数字/null，方便接口直接提交
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = Null()
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '{':
		var w wireValue
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return err
		}
		parsed, err := parseWire(w)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	default:
		// 裸数字按十进制处理，保留原始精度
		parsed, err := DecimalFromString(string(trimmed))
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}
}

func parseWire(w wireValue) (Value, error) {
	switch w.Kind {
	case KindString:
		return String(w.Value), nil
	case KindDecimal:
		return DecimalFromString(w.Value)
	case KindDate:
		return DateFromString(w.Value)
	case KindNull, "":
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %q", w.Kind)
	}
}

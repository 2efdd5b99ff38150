package triage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExceptionType 异常类型
type ExceptionType string

const (
	TypeMatchingException ExceptionType = "MATCHING_EXCEPTION"
	TypeDataError         ExceptionType = "DATA_ERROR"
	TypeProcessingError   ExceptionType = "PROCESSING_ERROR"
	TypeSystemError       ExceptionType = "SYSTEM_ERROR"
)

// ExceptionTypes 全部异常类型（状态向量 one-hot 顺序）
var ExceptionTypes = []ExceptionType{TypeMatchingException, TypeDataError, TypeProcessingError, TypeSystemError}

// Category 分诊类别
type Category string

const (
	CategoryAutoResolvable Category = "AUTO_RESOLVABLE"
	CategoryOperational    Category = "OPERATIONAL_ISSUE"
	CategoryDataQuality    Category = "DATA_QUALITY_ISSUE"
	CategorySystem         Category = "SYSTEM_ISSUE"
	CategoryCompliance     Category = "COMPLIANCE_ISSUE"
)

// Categories 全部分诊类别
var Categories = []Category{CategoryAutoResolvable, CategoryOperational, CategoryDataQuality, CategorySystem, CategoryCompliance}

// Level 严重等级
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Levels 由低到高
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Destination 路由目的地
type Destination string

const (
	DestOpsDesk     Destination = "OPS_DESK"
	DestSeniorOps   Destination = "SENIOR_OPS"
	DestCompliance  Destination = "COMPLIANCE"
	DestEngineering Destination = "ENGINEERING"
	DestAutoResolve Destination = "AUTO_RESOLVE"
)

// Destinations 全部目的地（策略表动作向量的下标顺序）
var Destinations = []Destination{DestOpsDesk, DestSeniorOps, DestCompliance, DestEngineering, DestAutoResolve}

// DestinationIndex 目的地在动作向量中的下标，未知返回 -1
func DestinationIndex(d Destination) int {
	for i, x := range Destinations {
		if x == d {
			return i
		}
	}
	return -1
}

// ResolutionStatus 处理状态
type ResolutionStatus string

const (
	StatusOpen      ResolutionStatus = "OPEN"
	StatusAssigned  ResolutionStatus = "ASSIGNED"
	StatusResolved  ResolutionStatus = "RESOLVED"
	StatusEscalated ResolutionStatus = "ESCALATED"
)

// PriorityAutoResolvable AUTO_RESOLVABLE 专用的保留优先级
const PriorityAutoResolvable = 5

// MaxMetadataKeys 附加元数据的键数量上限
const MaxMetadataKeys = 16

var (
	ErrInvalidCategory    = errors.New("invalid triage category")
	ErrInvalidDestination = errors.New("invalid routing destination")
	ErrInvalidLevel       = errors.New("invalid severity level")
	ErrMetadata           = errors.New("invalid exception metadata")
	ErrMissingExceptionID = errors.New("exception id is required")
	ErrStateNotFound      = errors.New("triage state not found")
	ErrExceptionNotFound  = errors.New("exception not found")
)

// Metadata 附加元数据：有界的 string → 基本类型映射
type Metadata map[string]interface{}

// Validate 只允许 string/number/bool，且数量有界
func (m Metadata) Validate() error {
	if len(m) > MaxMetadataKeys {
		return fmt.Errorf("%w: %d keys exceeds limit %d", ErrMetadata, len(m), MaxMetadataKeys)
	}
	for k, v := range m {
		if k == "" || len(k) > 64 {
			return fmt.Errorf("%w: bad key %q", ErrMetadata, k)
		}
		switch v.(type) {
		case string, bool, float64, float32, int, int64, int32:
		default:
			return fmt.Errorf("%w: key %q has non-primitive value %T", ErrMetadata, k, v)
		}
	}
	return nil
}

// ExceptionRecord 异常事实（创建后不可变，生命周期状态在 TriageState 中）
type ExceptionRecord struct {
	ID            string        `json:"id"`
	Type          ExceptionType `json:"type"`
	Stage         string        `json:"stage"` // 产生异常的环节
	TransactionID string        `json:"transaction_id,omitempty"`
	ReasonCodes   []string      `json:"reason_codes"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	MatchScore    *float64      `json:"match_score,omitempty"`
	RetryCount    int           `json:"retry_count"`
	ParentID      string        `json:"parent_id,omitempty"` // 由其它异常派生时（如投递失败）
	StateVector   []float64     `json:"state_vector"`
	Metadata      Metadata      `json:"metadata,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Validate 校验异常记录
func (r *ExceptionRecord) Validate() error {
	if r == nil || r.ID == "" {
		return ErrMissingExceptionID
	}
	switch r.Type {
	case TypeMatchingException, TypeDataError, TypeProcessingError, TypeSystemError:
	default:
		return fmt.Errorf("unknown exception type %q", r.Type)
	}
	return r.Metadata.Validate()
}

// HasCode 是否包含某个原因码
func (r *ExceptionRecord) HasCode(code string) bool {
	for _, c := range r.ReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// TriageState 分诊状态（由 Router 创建，Delegator 和处理反馈路径修改）
type TriageState struct {
	ExceptionID       string           `json:"exception_id"`
	TransactionID     string           `json:"transaction_id,omitempty"`
	Category          Category         `json:"category"`
	SeverityScore     float64          `json:"severity_score"`
	SeverityLevel     Level            `json:"severity_level"`
	Destination       Destination      `json:"destination"`
	StaticDestination Destination      `json:"static_destination"` // 静态路由表给出的目的地
	PolicyOverride    bool             `json:"policy_override"`    // 目的地是否被策略改写
	Priority          int              `json:"priority"`
	SLADeadline       time.Time        `json:"sla_deadline"`
	Status            ResolutionStatus `json:"status"`
	AssignedTo        string           `json:"assigned_to,omitempty"`
	AssignedAt        *time.Time       `json:"assigned_at,omitempty"`
	AssignmentNote    string           `json:"assignment_note,omitempty"`
	ResolutionNotes   string           `json:"resolution_notes,omitempty"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	RulesVersion      string           `json:"rules_version,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ParseCategory 解析类别（大小写不敏感）
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, x := range Categories {
		if x == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// ParseDestination 解析目的地（大小写不敏感）
func ParseDestination(s string) (Destination, error) {
	d := Destination(strings.ToUpper(strings.TrimSpace(s)))
	if DestinationIndex(d) < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}
	return d, nil
}

// ParseLevel 解析严重等级（大小写不敏感）
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	for _, x := range Levels {
		if x == l {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

package triage

import (
	"fmt"
	"time"
)

// Router 分诊路由：类别 × 严重等级 → 目的地、优先级、SLA
type Router struct {
	rules        Rules
	rulesVersion string
	now          func() time.Time
}

// NewRouter 创建路由器
func NewRouter(rules Rules, rulesVersion string) *Router {
	return &Router{
		rules:        rules,
		rulesVersion: rulesVersion,
		now:          time.Now,
	}
}

// ValidDestinations 类别允许的目的地
func (r *Router) ValidDestinations(cat Category) []Destination {
	return r.rules.Routing[cat].Valid
}

// Allows 目的地是否属于该类别的合法集合
func (r *Router) Allows(cat Category, d Destination) bool {
	route, ok := r.rules.Routing[cat]
	return ok && route.Allows(d)
}

// SLA 严重等级对应的 SLA 时长
func (r *Router) SLA(level Level) time.Duration {
	return r.rules.SLA[level]
}

// Route 生成初始 TriageState（OPEN）
// 策略只能在该类别的合法目的地集合内改写，永不跨类别
func (r *Router) Route(rec *ExceptionRecord, cat Category, sev Severity, view PolicyView) (*TriageState, error) {
	route, ok := r.rules.Routing[cat]
	if !ok {
		return nil, fmt.Errorf("%w: no route for %s", ErrInvalidCategory, cat)
	}
	static, ok := route.ByLevel[sev.Level]
	if !ok {
		return nil, fmt.Errorf("%w: no route for %s/%s", ErrInvalidDestination, cat, sev.Level)
	}

	dest := static
	override := false
	if view != nil {
		if d, ok := view.PreferredDestination(sev.Key, route.Valid, static); ok && d != static && route.Allows(d) {
			dest = d
			override = true
		}
	}

	now := r.now().UTC()
	return &TriageState{
		ExceptionID:       rec.ID,
		TransactionID:     rec.TransactionID,
		Category:          cat,
		SeverityScore:     sev.Score,
		SeverityLevel:     sev.Level,
		Destination:       dest,
		StaticDestination: static,
		PolicyOverride:    override,
		Priority:          PriorityOf(cat, sev.Level),
		SLADeadline:       now.Add(r.rules.SLA[sev.Level]),
		Status:            StatusOpen,
		RulesVersion:      r.rulesVersion,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

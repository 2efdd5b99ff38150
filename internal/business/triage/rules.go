package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClassifierRules 异常分类规则
type ClassifierRules struct {
	CompliancePrefixes []string // 合规类原因码前缀（受限方、监管标记）
	DataPrefixes       []string // 数据完整性前缀
	TransientCodes     []string // 基础设施瞬时故障原因码
	TransientPrefixes  []string
	AutoResolveBand    float64 // 得分在自动匹配阈值下方该区间内视为可自动解决
}

// Route 单个类别的路由规则
type Route struct {
	Valid   []Destination         // 该类别允许的目的地
	ByLevel map[Level]Destination // 静态表：严重等级 → 目的地
}

// Allows 目的地是否属于该类别的合法集合
func (r Route) Allows(d Destination) bool {
	for _, v := range r.Valid {
		if v == d {
			return true
		}
	}
	return false
}

// Rules 分诊静态规则
type Rules struct {
	Classifier       ClassifierRules
	SeverityBase     map[string]float64 // 原因码 → 基础严重度
	DefaultSeverity  float64            // 无命中时的基础严重度
	RetryStep        float64            // 首次之后每次重试的增量
	NearMissWindow   float64            // 与自动匹配阈值的距离窗口
	NearMissDiscount float64            // near-miss 时的减量
	AutoMatch        float64            // 自动匹配阈值（与匹配引擎一致）
	Routing          map[Category]Route
	SLA              map[Level]time.Duration
}

// DefaultRules 默认规则
func DefaultRules() Rules {
	opsRoute := Route{
		Valid: []Destination{DestOpsDesk, DestSeniorOps},
		ByLevel: map[Level]Destination{
			LevelLow: DestOpsDesk, LevelMedium: DestOpsDesk,
			LevelHigh: DestSeniorOps, LevelCritical: DestSeniorOps,
		},
	}
	dataRoute := Route{
		Valid:   append([]Destination(nil), opsRoute.Valid...),
		ByLevel: copyLevels(opsRoute.ByLevel),
	}

	return Rules{
		Classifier: ClassifierRules{
			CompliancePrefixes: []string{"COMPLIANCE_", "SANCTIONS_", "RESTRICTED_PARTY", "REGULATORY_"},
			DataPrefixes:       []string{"DATA_"},
			TransientCodes:     []string{"STORE_TIMEOUT", "QUEUE_TIMEOUT", "QUEUE_UNAVAILABLE", "DELIVERY_FAILED", "RETRIES_EXHAUSTED"},
			TransientPrefixes:  []string{"SYSTEM_", "TIMEOUT_"},
			AutoResolveBand:    0.02,
		},
		SeverityBase: map[string]float64{
			"COMPLIANCE_FLAG":              0.85,
			"SANCTIONS_HIT":                0.95,
			"RESTRICTED_PARTY":             0.90,
			"REGULATORY_BREACH":            0.85,
			"DATA_ERROR":                   0.45,
			"DATA_PARTITION_MISMATCH":      0.50,
			"DATA_MANDATORY_FIELD_MISSING": 0.45,
			"DATA_MALFORMED_FIELD":         0.40,
			"IDENTIFIER_MISMATCH":          0.50,
			"NOTIONAL_MISMATCH":            0.55,
			"NOTIONAL_MISSING":             0.50,
			"CURRENCY_MISMATCH":            0.50,
			"DATE_MISMATCH":                0.35,
			"COUNTERPARTY_MISMATCH":        0.40,
			"STORE_TIMEOUT":                0.60,
			"QUEUE_TIMEOUT":                0.60,
			"DELIVERY_FAILED":              0.65,
			"RETRIES_EXHAUSTED":            0.75,
		},
		DefaultSeverity:  0.30,
		RetryStep:        0.05,
		NearMissWindow:   0.05,
		NearMissDiscount: 0.10,
		AutoMatch:        0.85,
		Routing: map[Category]Route{
			CategoryCompliance: {
				Valid:   []Destination{DestCompliance, DestSeniorOps},
				ByLevel: allLevels(DestCompliance),
			},
			CategorySystem: {
				Valid:   []Destination{DestEngineering, DestOpsDesk},
				ByLevel: allLevels(DestEngineering),
			},
			CategoryDataQuality: dataRoute,
			CategoryOperational: opsRoute,
			CategoryAutoResolvable: {
				Valid:   []Destination{DestAutoResolve, DestOpsDesk},
				ByLevel: allLevels(DestAutoResolve),
			},
		},
		SLA: map[Level]time.Duration{
			LevelCritical: 2 * time.Hour,
			LevelHigh:     4 * time.Hour,
			LevelMedium:   8 * time.Hour,
			LevelLow:      24 * time.Hour,
		},
	}
}

func allLevels(d Destination) map[Level]Destination {
	m := make(map[Level]Destination, len(Levels))
	for _, l := range Levels {
		m[l] = d
	}
	return m
}

func copyLevels(src map[Level]Destination) map[Level]Destination {
	m := make(map[Level]Destination, len(src))
	for k, v := range src {
		m[k] = v
	}
	return m
}

// Validate 校验规则完整性：每个类别每个等级都有合法目的地
func (r *Rules) Validate() error {
	for _, cat := range Categories {
		route, ok := r.Routing[cat]
		if !ok {
			return fmt.Errorf("routing for %s is missing", cat)
		}
		if len(route.Valid) == 0 {
			return fmt.Errorf("routing for %s has no valid destinations", cat)
		}
		for _, lvl := range Levels {
			d, ok := route.ByLevel[lvl]
			if !ok {
				return fmt.Errorf("routing for %s/%s is missing", cat, lvl)
			}
			if !route.Allows(d) {
				return fmt.Errorf("%w: %s/%s -> %s is not in the category's valid set", ErrInvalidDestination, cat, lvl, d)
			}
		}
	}
	for _, lvl := range Levels {
		if r.SLA[lvl] <= 0 {
			return fmt.Errorf("sla for %s must be positive", lvl)
		}
	}
	for code, v := range r.SeverityBase {
		if v < 0 || v > 1 {
			return fmt.Errorf("severity base for %s out of [0,1]: %v", code, v)
		}
	}
	if r.DefaultSeverity < 0 || r.DefaultSeverity > 1 {
		return fmt.Errorf("default severity out of [0,1]: %v", r.DefaultSeverity)
	}
	if r.AutoMatch <= 0 || r.AutoMatch > 1 {
		return fmt.Errorf("auto match threshold out of (0,1]: %v", r.AutoMatch)
	}
	steps := map[string]float64{
		"retry_step":         r.RetryStep,
		"near_miss_window":   r.NearMissWindow,
		"near_miss_discount": r.NearMissDiscount,
		"auto_resolve_band":  r.Classifier.AutoResolveBand,
	}
	for name, v := range steps {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s out of [0,1]: %v", name, v)
		}
	}
	lists := map[string][]string{
		"compliance_prefixes": r.Classifier.CompliancePrefixes,
		"data_prefixes":       r.Classifier.DataPrefixes,
		"transient_codes":     r.Classifier.TransientCodes,
		"transient_prefixes":  r.Classifier.TransientPrefixes,
	}
	for name, list := range lists {
		for _, v := range list {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("classifier %s has an empty entry", name)
			}
		}
	}
	return nil
}

// RulesFile 规则文件（YAML），覆盖默认规则；未出现的键沿用默认值
type RulesFile struct {
	SeverityBase     map[string]float64   `yaml:"severity_base"`
	DefaultSeverity  *float64             `yaml:"default_severity"`
	RetryStep        *float64             `yaml:"retry_step"`
	NearMissWindow   *float64             `yaml:"near_miss_window"`
	NearMissDiscount *float64             `yaml:"near_miss_discount"`
	SLAHours         map[string]float64   `yaml:"sla_hours"` // 严重等级 → SLA 小时数
	Classifier       *ClassifierFile      `yaml:"classifier"`
	Routing          map[string]RouteFile `yaml:"routing"`
}

// ClassifierFile 规则文件中的分类规则，列表出现即整体替换
type ClassifierFile struct {
	CompliancePrefixes []string `yaml:"compliance_prefixes"`
	DataPrefixes       []string `yaml:"data_prefixes"`
	TransientCodes     []string `yaml:"transient_codes"`
	TransientPrefixes  []string `yaml:"transient_prefixes"`
	AutoResolveBand    *float64 `yaml:"auto_resolve_band"`
}

// RouteFile 规则文件中的路由条目
type RouteFile struct {
	Valid   []string          `yaml:"valid"`
	Default string            `yaml:"default"`
	ByLevel map[string]string `yaml:"by_level"`
}

// LoadRulesFile 读取规则文件，返回内容摘要作为规则版本
func LoadRulesFile(path string) (*RulesFile, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read rules file: %w", err)
	}

	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parse rules file: %w", err)
	}

	sum := sha256.Sum256(data)
	return &f, "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Apply 把规则文件覆盖到 base 上，返回新的规则
func (f *RulesFile) Apply(base Rules) (Rules, error) {
	out := base
	out.SeverityBase = make(map[string]float64, len(base.SeverityBase)+len(f.SeverityBase))
	for k, v := range base.SeverityBase {
		out.SeverityBase[k] = v
	}
	for k, v := range f.SeverityBase {
		out.SeverityBase[strings.ToUpper(k)] = v
	}
	if f.DefaultSeverity != nil {
		out.DefaultSeverity = *f.DefaultSeverity
	}
	if f.RetryStep != nil {
		out.RetryStep = *f.RetryStep
	}
	if f.NearMissWindow != nil {
		out.NearMissWindow = *f.NearMissWindow
	}
	if f.NearMissDiscount != nil {
		out.NearMissDiscount = *f.NearMissDiscount
	}

	out.SLA = make(map[Level]time.Duration, len(base.SLA))
	for k, v := range base.SLA {
		out.SLA[k] = v
	}
	for name, hours := range f.SLAHours {
		lvl, err := ParseLevel(name)
		if err != nil {
			return Rules{}, err
		}
		if math.IsNaN(hours) || math.IsInf(hours, 0) || hours <= 0 {
			return Rules{}, fmt.Errorf("sla_hours for %s must be positive, got %v", lvl, hours)
		}
		out.SLA[lvl] = time.Duration(hours * float64(time.Hour))
	}

	if c := f.Classifier; c != nil {
		if c.CompliancePrefixes != nil {
			out.Classifier.CompliancePrefixes = upperAll(c.CompliancePrefixes)
		}
		if c.DataPrefixes != nil {
			out.Classifier.DataPrefixes = upperAll(c.DataPrefixes)
		}
		if c.TransientCodes != nil {
			out.Classifier.TransientCodes = upperAll(c.TransientCodes)
		}
		if c.TransientPrefixes != nil {
			out.Classifier.TransientPrefixes = upperAll(c.TransientPrefixes)
		}
		if c.AutoResolveBand != nil {
			out.Classifier.AutoResolveBand = *c.AutoResolveBand
		}
	}

	out.Routing = make(map[Category]Route, len(base.Routing))
	for k, v := range base.Routing {
		out.Routing[k] = v
	}
	for name, rf := range f.Routing {
		cat, err := ParseCategory(name)
		if err != nil {
			return Rules{}, err
		}
		route, err := rf.toRoute()
		if err != nil {
			return Rules{}, fmt.Errorf("routing %s: %w", cat, err)
		}
		out.Routing[cat] = route
	}

	if err := out.Validate(); err != nil {
		return Rules{}, err
	}
	return out, nil
}

func (rf RouteFile) toRoute() (Route, error) {
	route := Route{ByLevel: make(map[Level]Destination, len(Levels))}
	for _, v := range rf.Valid {
		d, err := ParseDestination(v)
		if err != nil {
			return Route{}, err
		}
		route.Valid = append(route.Valid, d)
	}

	if rf.Default != "" {
		d, err := ParseDestination(rf.Default)
		if err != nil {
			return Route{}, err
		}
		for _, l := range Levels {
			route.ByLevel[l] = d
		}
	}
	for lvl, dest := range rf.ByLevel {
		l, err := ParseLevel(lvl)
		if err != nil {
			return Route{}, err
		}
		d, err := ParseDestination(dest)
		if err != nil {
			return Route{}, err
		}
		route.ByLevel[l] = d
	}
	return route, nil
}

func upperAll(list []string) []string {
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return out
}

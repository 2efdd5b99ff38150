package triage

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// fixedPolicy 测试用策略：固定修正量和偏好目的地
type fixedPolicy struct {
	adjust float64
	prefer Destination
	seen   []StateKey
}

func (p *fixedPolicy) SeverityAdjustment(key StateKey) float64 {
	p.seen = append(p.seen, key)
	return p.adjust
}

func (p *fixedPolicy) PreferredDestination(key StateKey, valid []Destination, static Destination) (Destination, bool) {
	if p.prefer == "" {
		return "", false
	}
	return p.prefer, true
}

type pipeline struct {
	classifier *ExceptionClassifier
	scorer     *SeverityScorer
	router     *Router
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	rules := DefaultRules()
	if err := rules.Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
	return &pipeline{
		classifier: NewExceptionClassifier(rules),
		scorer:     NewSeverityScorer(rules),
		router:     NewRouter(rules, "test"),
	}
}

func (p *pipeline) run(t *testing.T, rec *ExceptionRecord, view PolicyView) (Category, Severity, *TriageState) {
	t.Helper()
	cat := p.classifier.Classify(rec)
	sev := p.scorer.Score(rec, cat, view)
	state, err := p.router.Route(rec, cat, sev, view)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	return cat, sev, state
}

func TestComplianceFlagRoutesToCompliance(t *testing.T) {
	p := newPipeline(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	p.router.now = func() time.Time { return now }

	rec := &ExceptionRecord{ID: "exc-1", Type: TypeMatchingException, ReasonCodes: []string{"COMPLIANCE_FLAG"}}
	cat, sev, state := p.run(t, rec, StaticPolicy{})

	if cat != CategoryCompliance {
		t.Fatalf("category = %s, want %s", cat, CategoryCompliance)
	}
	if sev.Score < 0.8 || sev.Level != LevelCritical {
		t.Errorf("severity = %v/%s, want >= 0.8 CRITICAL", sev.Score, sev.Level)
	}
	if state.Destination != DestCompliance || state.PolicyOverride {
		t.Errorf("destination = %s (override=%v), want COMPLIANCE", state.Destination, state.PolicyOverride)
	}
	if state.Priority != 1 {
		t.Errorf("priority = %d, want 1", state.Priority)
	}
	if !state.SLADeadline.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("sla deadline = %v, want %v", state.SLADeadline, now.Add(2*time.Hour))
	}
	if state.Status != StatusOpen || state.RulesVersion != "test" {
		t.Errorf("status = %s version = %s", state.Status, state.RulesVersion)
	}
}

func TestClassifierPrecedence(t *testing.T) {
	c := NewExceptionClassifier(DefaultRules())
	tests := []struct {
		name string
		rec  ExceptionRecord
		want Category
	}{
		{"compliance beats data", ExceptionRecord{Type: TypeDataError, ReasonCodes: []string{"DATA_ERROR", "SANCTIONS_HIT"}}, CategoryCompliance},
		{"data type", ExceptionRecord{Type: TypeDataError}, CategoryDataQuality},
		{"data code beats system", ExceptionRecord{Type: TypeSystemError, ReasonCodes: []string{"DATA_MALFORMED_FIELD"}}, CategoryDataQuality},
		{"system type", ExceptionRecord{Type: TypeSystemError}, CategorySystem},
		{"transient code", ExceptionRecord{Type: TypeProcessingError, ReasonCodes: []string{"QUEUE_TIMEOUT"}}, CategorySystem},
		{"near auto match", ExceptionRecord{Type: TypeMatchingException, ReasonCodes: []string{"DATE_MISMATCH"}, MatchScore: floatPtr(0.84)}, CategoryAutoResolvable},
		{"auto band edge", ExceptionRecord{Type: TypeMatchingException, MatchScore: floatPtr(0.83)}, CategoryAutoResolvable},
		{"below auto band", ExceptionRecord{Type: TypeMatchingException, MatchScore: floatPtr(0.80)}, CategoryOperational},
		{"no score", ExceptionRecord{Type: TypeMatchingException, ReasonCodes: []string{"NOTIONAL_MISMATCH"}}, CategoryOperational},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			if got := c.Classify(&rec); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLevelBandsCoverUnitInterval(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0, LevelLow}, {0.2999, LevelLow}, {0.3, LevelMedium}, {0.5999, LevelMedium},
		{0.6, LevelHigh}, {0.7999, LevelHigh}, {0.8, LevelCritical}, {1, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelOf(tt.score); got != tt.want {
			t.Errorf("LevelOf(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}

	// 每个 0.01 步长都落在某个等级上，且等级单调不降
	prev := -1
	for i := 0; i <= 100; i++ {
		lvl := LevelOf(float64(i) / 100)
		idx := -1
		for j, l := range Levels {
			if l == lvl {
				idx = j
			}
		}
		if idx < prev {
			t.Fatalf("level decreased at %v", float64(i)/100)
		}
		prev = idx
	}
}

func TestPriorityOf(t *testing.T) {
	if got := PriorityOf(CategoryAutoResolvable, LevelCritical); got != PriorityAutoResolvable {
		t.Errorf("auto resolvable priority = %d, want %d", got, PriorityAutoResolvable)
	}
	want := map[Level]int{LevelCritical: 1, LevelHigh: 2, LevelMedium: 3, LevelLow: 4}
	for lvl, p := range want {
		if got := PriorityOf(CategoryOperational, lvl); got != p {
			t.Errorf("PriorityOf(%s) = %d, want %d", lvl, got, p)
		}
	}
}

func TestSeverityRetryAndNearMiss(t *testing.T) {
	s := NewSeverityScorer(DefaultRules())

	// 第一次重试不加分
	sev := s.Score(&ExceptionRecord{Type: TypeSystemError, ReasonCodes: []string{"STORE_TIMEOUT"}, RetryCount: 1}, CategorySystem, nil)
	if !near(sev.Score, 0.6) || sev.RetryAdj != 0 {
		t.Errorf("retry=1 score = %v adj = %v, want 0.6/0", sev.Score, sev.RetryAdj)
	}

	sev = s.Score(&ExceptionRecord{Type: TypeSystemError, ReasonCodes: []string{"STORE_TIMEOUT"}, RetryCount: 3}, CategorySystem, nil)
	if !near(sev.Score, 0.7) || sev.Level != LevelHigh {
		t.Errorf("retry=3 score = %v/%s, want 0.7 HIGH", sev.Score, sev.Level)
	}
	if sev.Key.RetryBucket != 3 {
		t.Errorf("retry bucket = %d, want 3", sev.Key.RetryBucket)
	}

	// 只受 [0,1] 截断约束
	sev = s.Score(&ExceptionRecord{Type: TypeSystemError, ReasonCodes: []string{"RETRIES_EXHAUSTED"}, RetryCount: 10}, CategorySystem, nil)
	if sev.Score != 1 || sev.Level != LevelCritical {
		t.Errorf("retry=10 score = %v, want 1", sev.Score)
	}
	if sev.Key.RetryBucket != MaxRetryBucket {
		t.Errorf("retry bucket = %d, want %d", sev.Key.RetryBucket, MaxRetryBucket)
	}

	sev = s.Score(&ExceptionRecord{Type: TypeMatchingException, ReasonCodes: []string{"CURRENCY_MISMATCH"}, MatchScore: floatPtr(0.84)}, CategoryAutoResolvable, nil)
	if !near(sev.NearMissAdj, -0.1) || !near(sev.Score, 0.4) {
		t.Errorf("near miss score = %v adj = %v, want 0.4/-0.1", sev.Score, sev.NearMissAdj)
	}

	sev = s.Score(&ExceptionRecord{Type: TypeMatchingException, ReasonCodes: []string{"CURRENCY_MISMATCH"}, MatchScore: floatPtr(0.5)}, CategoryOperational, nil)
	if sev.NearMissAdj != 0 {
		t.Errorf("far miss adj = %v, want 0", sev.NearMissAdj)
	}

	sev = s.Score(&ExceptionRecord{Type: TypeMatchingException, ReasonCodes: []string{"UNKNOWN_CODE"}}, CategoryOperational, nil)
	if !near(sev.Score, 0.3) || sev.Level != LevelMedium {
		t.Errorf("default severity = %v/%s, want 0.3 MEDIUM", sev.Score, sev.Level)
	}
}

func TestSeverityPolicyAdjustmentUsesPrePolicyBand(t *testing.T) {
	s := NewSeverityScorer(DefaultRules())
	view := &fixedPolicy{adjust: 0.2}

	rec := &ExceptionRecord{Type: TypeMatchingException, ReasonCodes: []string{"NOTIONAL_MISMATCH"}}
	sev := s.Score(rec, CategoryOperational, view)

	if !near(sev.Score, 0.75) || sev.Level != LevelHigh {
		t.Errorf("score = %v/%s, want 0.75 HIGH", sev.Score, sev.Level)
	}
	if sev.Key.Band != LevelMedium || sev.Key.Priority != 3 {
		t.Errorf("key = %s, want MEDIUM band priority 3", sev.Key)
	}
	if len(view.seen) != 1 || view.seen[0] != sev.Key {
		t.Errorf("policy consulted with %v, want %v", view.seen, sev.Key)
	}

	view.adjust = -5
	if sev := s.Score(rec, CategoryOperational, view); sev.Score != 0 {
		t.Errorf("clamped score = %v, want 0", sev.Score)
	}
}

func TestRouterStaticTable(t *testing.T) {
	r := NewRouter(DefaultRules(), "v")
	tests := []struct {
		cat   Category
		level Level
		want  Destination
	}{
		{CategoryOperational, LevelLow, DestOpsDesk},
		{CategoryOperational, LevelMedium, DestOpsDesk},
		{CategoryOperational, LevelHigh, DestSeniorOps},
		{CategoryDataQuality, LevelCritical, DestSeniorOps},
		{CategorySystem, LevelLow, DestEngineering},
		{CategoryCompliance, LevelLow, DestCompliance},
		{CategoryAutoResolvable, LevelHigh, DestAutoResolve},
	}
	for _, tt := range tests {
		state, err := r.Route(&ExceptionRecord{ID: "x"}, tt.cat, Severity{Level: tt.level}, nil)
		if err != nil {
			t.Fatalf("Route(%s,%s) error = %v", tt.cat, tt.level, err)
		}
		if state.Destination != tt.want {
			t.Errorf("Route(%s,%s) = %s, want %s", tt.cat, tt.level, state.Destination, tt.want)
		}
	}
	if _, err := r.Route(&ExceptionRecord{ID: "x"}, Category("NOPE"), Severity{Level: LevelLow}, nil); !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("unknown category error = %v", err)
	}
}

func TestRouterPolicyOverrideIsContained(t *testing.T) {
	p := newPipeline(t)
	rec := &ExceptionRecord{ID: "exc-2", Type: TypeMatchingException, ReasonCodes: []string{"COMPLIANCE_FLAG"}}

	// 跨类别的偏好被忽略
	_, _, state := p.run(t, rec, &fixedPolicy{prefer: DestEngineering})
	if state.Destination != DestCompliance || state.PolicyOverride {
		t.Errorf("cross-category override applied: %s", state.Destination)
	}

	// 合法集合内的偏好生效
	_, _, state = p.run(t, rec, &fixedPolicy{prefer: DestSeniorOps})
	if state.Destination != DestSeniorOps || !state.PolicyOverride || state.StaticDestination != DestCompliance {
		t.Errorf("in-set override = %s (override=%v static=%s)", state.Destination, state.PolicyOverride, state.StaticDestination)
	}
}

func TestStateKeyRoundTrip(t *testing.T) {
	key := StateKey{Category: CategorySystem, Band: LevelHigh, RetryBucket: 2, Priority: 2}
	if key.String() != "SYSTEM_ISSUE|HIGH|2|2" {
		t.Fatalf("String() = %s", key.String())
	}
	got, err := ParseStateKey(key.String())
	if err != nil || got != key {
		t.Fatalf("ParseStateKey() = %v, %v", got, err)
	}
	if _, err := ParseStateKey("SYSTEM_ISSUE|HIGH"); err == nil {
		t.Error("short key should fail")
	}
}

func TestBuildStateVector(t *testing.T) {
	rec := &ExceptionRecord{
		Type:        TypeDataError,
		ReasonCodes: []string{"DATA_ERROR", "SANCTIONS_HIT"},
		MatchScore:  floatPtr(0.4),
		RetryCount:  1,
	}
	v := BuildStateVector(rec, 4, DefaultRules().Classifier.CompliancePrefixes)
	want := []float64{0, 1, 0, 0, 0.4, 0.25, 0.2, 1}
	if len(v) != StateVectorLen {
		t.Fatalf("len = %d, want %d", len(v), StateVectorLen)
	}
	for i := range want {
		if !near(v[i], want[i]) {
			t.Errorf("v[%d] = %v, want %v", i, v[i], want[i])
		}
	}

	v = BuildStateVector(&ExceptionRecord{Type: TypeSystemError}, 0, nil)
	if v[4] != -1 || v[3] != 1 {
		t.Errorf("vector without score = %v", v)
	}
}

func TestMetadataValidate(t *testing.T) {
	if err := (Metadata{"desk": "rates", "attempt": 2, "manual": true}).Validate(); err != nil {
		t.Errorf("valid metadata error = %v", err)
	}
	if err := (Metadata{"nested": map[string]string{"a": "b"}}).Validate(); !errors.Is(err, ErrMetadata) {
		t.Errorf("nested metadata error = %v", err)
	}
	big := Metadata{}
	for i := 0; i <= MaxMetadataKeys; i++ {
		big[strings.Repeat("k", i+1)] = i
	}
	if err := big.Validate(); !errors.Is(err, ErrMetadata) {
		t.Errorf("oversized metadata error = %v", err)
	}
}

func TestRulesFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
severity_base:
  date_mismatch: 0.7
default_severity: 0.2
retry_step: 0.08
near_miss_window: 0.03
near_miss_discount: 0.15
sla_hours:
  critical: 1
  low: 48
classifier:
  compliance_prefixes: [compliance_, aml_]
  transient_codes: [STORE_TIMEOUT, broker_down]
  auto_resolve_band: 0.04
routing:
  operational_issue:
    valid: [OPS_DESK, SENIOR_OPS]
    default: SENIOR_OPS
    by_level:
      low: OPS_DESK
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	f, version, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile() error = %v", err)
	}
	if !strings.HasPrefix(version, "sha256:") || len(version) != len("sha256:")+64 {
		t.Errorf("version = %s", version)
	}

	rules, err := f.Apply(DefaultRules())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if rules.SeverityBase["DATE_MISMATCH"] != 0.7 || rules.DefaultSeverity != 0.2 {
		t.Errorf("severity overrides not applied: %v %v", rules.SeverityBase["DATE_MISMATCH"], rules.DefaultSeverity)
	}
	route := rules.Routing[CategoryOperational]
	if route.ByLevel[LevelLow] != DestOpsDesk || route.ByLevel[LevelMedium] != DestSeniorOps {
		t.Errorf("routing overrides not applied: %v", route.ByLevel)
	}
	if rules.RetryStep != 0.08 || rules.NearMissWindow != 0.03 || rules.NearMissDiscount != 0.15 {
		t.Errorf("severity steps = %v/%v/%v", rules.RetryStep, rules.NearMissWindow, rules.NearMissDiscount)
	}
	if rules.SLA[LevelCritical] != time.Hour || rules.SLA[LevelLow] != 48*time.Hour || rules.SLA[LevelMedium] != 8*time.Hour {
		t.Errorf("sla = %v", rules.SLA)
	}
	if rules.Classifier.AutoResolveBand != 0.04 {
		t.Errorf("auto resolve band = %v", rules.Classifier.AutoResolveBand)
	}
	// 未出现的列表沿用默认值
	if len(rules.Classifier.DataPrefixes) != 1 || rules.Classifier.DataPrefixes[0] != "DATA_" {
		t.Errorf("data prefixes = %v", rules.Classifier.DataPrefixes)
	}

	// 覆盖后的规则真正作用在分类、评分和路由上
	classifier := NewExceptionClassifier(rules)
	if cat := classifier.Classify(&ExceptionRecord{ID: "e1", Type: TypeMatchingException, ReasonCodes: []string{"AML_ALERT"}}); cat != CategoryCompliance {
		t.Errorf("AML_ALERT category = %s, want COMPLIANCE_ISSUE", cat)
	}
	if cat := classifier.Classify(&ExceptionRecord{ID: "e2", Type: TypeMatchingException, ReasonCodes: []string{"BROKER_DOWN"}}); cat != CategorySystem {
		t.Errorf("BROKER_DOWN category = %s, want SYSTEM_ISSUE", cat)
	}
	if cat := classifier.Classify(&ExceptionRecord{ID: "e3", Type: TypeMatchingException, ReasonCodes: []string{"SANCTIONS_HIT"}}); cat == CategoryCompliance {
		t.Error("SANCTIONS_ prefix should be dropped by the replaced list")
	}
	sev := NewSeverityScorer(rules).Score(&ExceptionRecord{ID: "e4", Type: TypeMatchingException, ReasonCodes: []string{"DATE_MISMATCH"}, RetryCount: 2}, CategoryOperational, StaticPolicy{})
	if !near(sev.RetryAdj, 0.08) {
		t.Errorf("retry adjustment = %v, want 0.08", sev.RetryAdj)
	}

	// 默认规则不受影响
	if DefaultRules().SeverityBase["DATE_MISMATCH"] != 0.35 || DefaultRules().SLA[LevelCritical] != 2*time.Hour {
		t.Error("default rules mutated")
	}
}

func TestRulesFileRejectsInvalidValues(t *testing.T) {
	neg := -0.1
	big := 1.5
	nan := math.NaN()
	cases := map[string]*RulesFile{
		"zero sla":       {SLAHours: map[string]float64{"HIGH": 0}},
		"nan sla":        {SLAHours: map[string]float64{"HIGH": nan}},
		"unknown level":  {SLAHours: map[string]float64{"URGENT": 3}},
		"negative step":  {RetryStep: &neg},
		"nan window":     {NearMissWindow: &nan},
		"large discount": {NearMissDiscount: &big},
		"large band":     {Classifier: &ClassifierFile{AutoResolveBand: &big}},
		"empty prefix":   {Classifier: &ClassifierFile{DataPrefixes: []string{"DATA_", " "}}},
	}
	for name, f := range cases {
		if _, err := f.Apply(DefaultRules()); err == nil {
			t.Errorf("%s: Apply() error = nil", name)
		}
	}
}

func TestRulesFileRejectsDestinationOutsideValidSet(t *testing.T) {
	f := &RulesFile{Routing: map[string]RouteFile{
		"COMPLIANCE_ISSUE": {Valid: []string{"COMPLIANCE"}, Default: "ENGINEERING"},
	}}
	if _, err := f.Apply(DefaultRules()); !errors.Is(err, ErrInvalidDestination) {
		t.Errorf("Apply() error = %v, want ErrInvalidDestination", err)
	}

	f = &RulesFile{Routing: map[string]RouteFile{"NOT_A_CATEGORY": {Default: "OPS_DESK"}}}
	if _, err := f.Apply(DefaultRules()); !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("Apply() error = %v, want ErrInvalidCategory", err)
	}
}

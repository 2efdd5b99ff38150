package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
)

const minimalYAML = `
app:
  name: recon
  store: sqlite
sqlite:
  path: /tmp/recon.db
lmstfy:
  host: 127.0.0.1
  port: 7777
  namespace: recon
workers:
  - name: match
    queue_name: recon.match
    subscriber: {threads: 1, timeout: 3s, ttr: 60s}
    processor: {threads: 2, buffer_size: 4, timeout: 30s}
engine:
  triage:
    queues:
      OPS_DESK: q.ops
      SENIOR_OPS: q.senior
      COMPLIANCE: q.compliance
      ENGINEERING: q.eng
      AUTO_RESOLVE: q.auto
api:
  match_queue: recon.match
  exception_queue: recon.exception
  feedback_queue: recon.feedback
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "worker.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Engine.Matching.Thresholds.AutoMatch != 0.85 || cfg.Engine.Matching.Thresholds.Review != 0.50 {
		t.Errorf("thresholds = %+v", cfg.Engine.Matching.Thresholds)
	}
	if cfg.Engine.Policy.LearningRate != 0.1 || cfg.Engine.Policy.EpisodeTTL != 72*time.Hour {
		t.Errorf("policy = %+v", cfg.Engine.Policy)
	}
	if cfg.Engine.Retry.MaxAttempts != 5 || cfg.Engine.Triage.MaxExceptionRetries != 3 {
		t.Errorf("retry = %+v, triage = %+v", cfg.Engine.Retry, cfg.Engine.Triage)
	}
	if cfg.Workers[0].Subscriber.TTR != time.Minute {
		t.Errorf("ttr = %v", cfg.Workers[0].Subscriber.TTR)
	}

	queues, err := cfg.Engine.DestinationQueues()
	if err != nil {
		t.Fatalf("DestinationQueues() error = %v", err)
	}
	if queues[triage.DestSeniorOps] != "q.senior" {
		t.Errorf("queues = %v", queues)
	}
}

func TestMatchingConfigFromFields(t *testing.T) {
	e := EngineConfig{
		Matching: MatchingConfig{
			Fields: []FieldRuleConfig{
				{Field: "ref", Role: "identifier", Kind: "exact", Mandatory: true, Code: "ref", Weight: 0.6},
				{Field: "amount", Role: "amount", Kind: "numeric_tolerance", Pct: 0.01, Code: "AMOUNT", Weight: 0.4},
			},
			Thresholds: ThresholdsConfig{AutoMatch: 0.9, Probable: 0.7, Review: 0.5},
		},
	}
	cfg, err := e.MatchingConfig()
	if err != nil {
		t.Fatalf("MatchingConfig() error = %v", err)
	}
	if len(cfg.Rules) != 2 || cfg.Rules[0].Kind != matching.RuleExact || cfg.Rules[0].Code != "REF" {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	if cfg.Thresholds.AutoMatch != 0.9 {
		t.Fatalf("thresholds = %+v", cfg.Thresholds)
	}
}

func TestMatchingConfigRejectsBadValues(t *testing.T) {
	cases := map[string]EngineConfig{
		"weights": {Matching: MatchingConfig{
			Fields:     []FieldRuleConfig{{Field: "a", Kind: "EXACT", Code: "A", Weight: 0.5}},
			Thresholds: ThresholdsConfig{AutoMatch: 0.85, Probable: 0.7, Review: 0.5},
		}},
		"kind": {Matching: MatchingConfig{
			Fields:     []FieldRuleConfig{{Field: "a", Kind: "REGEX", Code: "A", Weight: 1}},
			Thresholds: ThresholdsConfig{AutoMatch: 0.85, Probable: 0.7, Review: 0.5},
		}},
		"thresholds": {Matching: MatchingConfig{
			Thresholds: ThresholdsConfig{AutoMatch: 0.6, Probable: 0.7, Review: 0.5},
		}},
	}
	for name, e := range cases {
		if _, err := e.MatchingConfig(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestTriageRulesFromFile(t *testing.T) {
	e := EngineConfig{Matching: MatchingConfig{Thresholds: ThresholdsConfig{AutoMatch: 0.85}}}

	rules, version, err := e.TriageRules()
	if err != nil || version != BuiltinRulesVersion {
		t.Fatalf("builtin rules: %q, %v", version, err)
	}
	if rules.AutoMatch != 0.85 {
		t.Fatalf("auto match = %v", rules.AutoMatch)
	}

	e.Triage.RulesPath = writeFile(t, "rules.yaml", "severity_base:\n  IDENTIFIER_MISMATCH: 0.55\n")
	rules, version, err = e.TriageRules()
	if err != nil {
		t.Fatalf("TriageRules() error = %v", err)
	}
	if !strings.HasPrefix(version, "sha256:") || rules.SeverityBase["IDENTIFIER_MISMATCH"] != 0.55 {
		t.Fatalf("version = %q, base = %v", version, rules.SeverityBase["IDENTIFIER_MISMATCH"])
	}

	e.Triage.RulesPath = writeFile(t, "bad.yaml", "routing:\n  NOT_A_CATEGORY:\n    default: OPS_DESK\n")
	if _, _, err := e.TriageRules(); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}

func TestDestinationQueuesRequiresAll(t *testing.T) {
	e := EngineConfig{Triage: TriageConfig{Queues: map[string]string{"ops_desk": "q"}}}
	if _, err := e.DestinationQueues(); err == nil {
		t.Fatalf("expected error for missing destinations")
	}
	e.Triage.Queues = map[string]string{"nowhere": "q"}
	if _, err := e.DestinationQueues(); err == nil {
		t.Fatalf("expected error for unknown destination")
	}
}

func TestValidateStoreSelection(t *testing.T) {
	cfg, err := Load(writeFile(t, "worker.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.App.Store = StoreMySQL
	if err := cfg.Validate(); err == nil {
		t.Errorf("mysql without dsn should fail")
	}
	cfg.App.Store = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Errorf("unknown store should fail")
	}
	cfg.App.Store = StoreMemory
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory store: %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 4, CallTimeout: time.Second}.Policy()
	if p.MaxAttempts != 4 || p.BaseDelay != time.Millisecond {
		t.Fatalf("policy = %+v", p)
	}
}

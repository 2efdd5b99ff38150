package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"oip/recon/internal/business"
	"oip/recon/internal/business/matching"
	"oip/recon/internal/worker"
	"oip/recon/pkg/config"
	"oip/recon/pkg/infra/memory"
	"oip/recon/pkg/logger"
)

var (
	configPath   = flag.String("config", "./config/worker.yaml", "配置文件路径")
	testcasePath = flag.String("testcase", "./tools/fasttest/testdata/pairs.json", "测试用例路径")
	skipDB       = flag.Bool("skip-db", false, "使用进程内存储和队列（不连接 MySQL/Redis/lmstfy）")
)

// TestCase 测试用例结构
type TestCase struct {
	Name           string         `json:"name"`
	Pair           *matching.Pair `json:"pair"`
	ExpectDecision string         `json:"expect_decision,omitempty"`
	ExpectCategory string         `json:"expect_category,omitempty"`
}

func main() {
	flag.Parse()

	fmt.Println("========================================")
	fmt.Println("  FastTest - Recon 管道回放工具")
	fmt.Println("========================================")

	// 1. 加载配置
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Config loaded: %s\n", cfg.App.Name)

	// 2. 加载测试用例
	testCases, err := loadTestCases(*testcasePath)
	if err != nil {
		fmt.Printf("❌ Failed to load test cases: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Loaded %d test cases from %s\n", len(testCases), *testcasePath)

	log, err := logger.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Printf("❌ Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. 初始化依赖（根据 skip-db 参数决定）
	ctx := context.Background()
	var deps *worker.Deps
	if *skipDB {
		fmt.Println("⚠️  Skip-DB mode: in-process store, queue and dedupe")
		q := memory.NewQueue()
		deps = &worker.Deps{
			Store:     memory.NewStore(),
			Source:    q,
			Publisher: q,
			Dedupe:    memory.NewDeduper(),
			Notifier:  &memory.Notifier{},
			Recon:     memory.NewReconLog(),
		}
	} else {
		deps, err = worker.OpenDeps(ctx, cfg, log)
		if err != nil {
			fmt.Printf("❌ Failed to open dependencies: %v\n", err)
			os.Exit(1)
		}
		defer deps.Close()
		fmt.Printf("✅ %s store and queues initialized\n", cfg.App.Store)
	}

	app, err := worker.Assemble(cfg, deps, log)
	if err != nil {
		fmt.Printf("❌ Failed to assemble services: %v\n", err)
		os.Exit(1)
	}
	if err := app.Learner.Load(ctx); err != nil {
		fmt.Printf("❌ Failed to load policy: %v\n", err)
		os.Exit(1)
	}
	learnerCtx, stopLearner := context.WithCancel(ctx)
	learnerDone := make(chan struct{})
	go func() {
		defer close(learnerDone)
		_ = app.Learner.Run(learnerCtx)
	}()

	// 4. 执行测试用例
	fmt.Println("\n========================================")
	fmt.Println("  Running Test Cases")
	fmt.Println("========================================")

	successCount := 0
	failureCount := 0

	for i, tc := range testCases {
		fmt.Printf("\n[Test %d/%d] %s\n", i+1, len(testCases), tc.Name)
		fmt.Println("----------------------------------------")

		startTime := time.Now()
		err := runTestCase(ctx, app.Services.Reconcile, tc)
		duration := time.Since(startTime)

		if err != nil {
			fmt.Printf("❌ FAILED: %v\n", err)
			failureCount++
		} else {
			fmt.Printf("✅ PASSED\n")
			successCount++
		}
		fmt.Printf("⏱️  Duration: %v\n", duration)
	}

	stopLearner()
	<-learnerDone

	// 5. 输出测试汇总
	fmt.Println("\n========================================")
	fmt.Println("  Test Summary")
	fmt.Println("========================================")
	fmt.Printf("Total: %d\n", len(testCases))
	fmt.Printf("Passed: %d ✅\n", successCount)
	fmt.Printf("Failed: %d ❌\n", failureCount)

	if failureCount > 0 {
		os.Exit(1)
	}
}

// loadConfig skip-db 模式下配置文件可缺省
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err == nil {
		return cfg, cfg.Engine.Validate()
	}
	if !*skipDB {
		return nil, err
	}
	cfg, err = config.Default()
	if err != nil {
		return nil, err
	}
	cfg.Engine.Triage.Queues = map[string]string{
		"ops_desk":     "fasttest.ops_desk",
		"senior_ops":   "fasttest.senior_ops",
		"compliance":   "fasttest.compliance",
		"engineering":  "fasttest.engineering",
		"auto_resolve": "fasttest.auto_resolve",
	}
	return cfg, cfg.Engine.Validate()
}

// loadTestCases 从 JSON 文件加载测试用例
func loadTestCases(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read testcase file: %w", err)
	}

	var testCases []TestCase
	if err := json.Unmarshal(data, &testCases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal testcase: %w", err)
	}

	return testCases, nil
}

// runTestCase 跑完整管道并打印结果
func runTestCase(ctx context.Context, svc *business.ReconcileService, tc TestCase) error {
	outcome, err := svc.Reconcile(ctx, tc.Pair)
	if err != nil {
		return err
	}

	res := outcome.Result
	fmt.Printf("  result:   %s\n", res.ResultID)
	fmt.Printf("  score:    %.4f [%.2f, %.2f]\n", res.Score, res.ConfidenceLow, res.ConfidenceHigh)
	fmt.Printf("  decision: %s / %s %v\n", res.Classification, res.Decision, res.ReasonCodes)

	category := ""
	if t := outcome.Triage; t != nil && t.State != nil {
		st := t.State
		category = string(st.Category)
		fmt.Printf("  triage:   %s severity=%.3f(%s) -> %s priority=%d sla=%s status=%s\n",
			st.Category, st.SeverityScore, st.SeverityLevel, st.Destination, st.Priority,
			st.SLADeadline.Format(time.RFC3339), st.Status)
	}

	if tc.ExpectDecision != "" && string(res.Decision) != tc.ExpectDecision {
		return fmt.Errorf("decision = %s, want %s", res.Decision, tc.ExpectDecision)
	}
	if tc.ExpectCategory != "" && category != tc.ExpectCategory {
		return fmt.Errorf("category = %q, want %s", category, tc.ExpectCategory)
	}
	return nil
}

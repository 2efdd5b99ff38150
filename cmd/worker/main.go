package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"oip/recon/internal/worker"
	"oip/recon/pkg/config"
	"oip/recon/pkg/logger"
)

var (
	configPath = flag.String("config", "./config/worker.yaml", "配置文件路径")
	logLevel   = flag.String("log-level", "", "覆盖 app.log_level")
	checkOnly  = flag.Bool("check", false, "只校验配置与规则文件后退出")
)

func main() {
	flag.Parse()

	log.Println("========================================")
	log.Println("  RECON Worker Starting...")
	log.Println("========================================")

	// 1. 加载并校验配置（匹配规则、分诊规则、目的地队列、策略参数）
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.App.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config validation failed: %v", err)
	}

	if *checkOnly {
		_, version, err := cfg.Engine.TriageRules()
		if err != nil {
			log.Fatalf("Triage rules invalid: %v", err)
		}
		fmt.Printf("config ok: %s (workers=%d, store=%s, rules_version=%s)\n",
			*configPath, len(cfg.Workers), cfg.App.Store, version)
		return
	}

	// 2. 初始化 Logger
	zapLogger, err := logger.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()
	zapLogger.Infof(ctx, "[Main] Config loaded: %s, env: %s, store: %s, workers: %d",
		cfg.App.Name, cfg.App.Env, cfg.App.Store, len(cfg.Workers))

	// 3. 创建 Manager（连接存储/队列/Redis，加载规则）
	mgr, err := worker.NewManagerInstance(cfg, zapLogger)
	if err != nil {
		zapLogger.Errorf(ctx, "[Main] Failed to create manager: %v", err)
		os.Exit(1)
	}

	// 4. 启动 Manager；启动失败与退出信号走同一关闭路径
	startErr := make(chan error, 1)
	go func() {
		startErr <- mgr.Start()
	}()

	zapLogger.Infof(ctx, "[Main] Worker started. Press Ctrl+C to shutdown.")

	// 5. 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		zapLogger.Infof(ctx, "[Main] Received signal: %v, shutting down", sig)
	case err := <-startErr:
		if err != nil {
			zapLogger.Errorf(ctx, "[Main] Manager start failed: %v", err)
			exitCode = 1
		}
	}

	// 6. 优雅关闭：停止拉取 → 排空 → 学习器落盘 → 关闭存储
	mgr.Shutdown()

	zapLogger.Infof(ctx, "[Main] Worker exited")
	if exitCode != 0 {
		_ = zapLogger.Sync()
		os.Exit(exitCode)
	}
}

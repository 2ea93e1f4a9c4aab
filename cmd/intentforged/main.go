package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"IntentForge-Chain/internal/codegen"
	"IntentForge-Chain/internal/config"
	"IntentForge-Chain/internal/contract"
	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/explorer/etherscan"
	"IntentForge-Chain/internal/fixture"
	"IntentForge-Chain/internal/harness"
	"IntentForge-Chain/internal/inference"
	"IntentForge-Chain/internal/inference/openai"
	"IntentForge-Chain/internal/pipeline"
	sandboxeth "IntentForge-Chain/internal/sandbox/ethereum"
	"IntentForge-Chain/pkg/logger"
)

// main 是 intentforged 守护进程的入口：加载夹具、执行流水线并按
// 验证结果决定退出码。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx)
	stop()
	if err != nil {
		log.Printf("intentforged 运行失败: %v", err)
		os.Exit(2)
	}
	os.Exit(code)
}

func run(ctx context.Context) (int, error) {
	configPath := os.Getenv("INTENTFORGE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "intentforge.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return 0, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Report: logger.ReportConfig{
			Enabled:    cfg.Logging.Report.Enabled,
			Path:       cfg.Logging.Report.Path,
			MaxSizeMB:  cfg.Logging.Report.MaxSizeMB,
			MaxBackups: cfg.Logging.Report.MaxBackups,
			MaxAgeDays: cfg.Logging.Report.MaxAgeDays,
		},
	}); err != nil {
		return 0, err
	}
	defer func() { _ = logger.Sync() }()

	store, err := createStore(cfg)
	if err != nil {
		return 0, err
	}
	defer func() { _ = store.Close() }()

	explorerClient, err := createExplorer(cfg)
	if err != nil {
		return 0, err
	}
	resolver := contract.NewResolver(store, explorerClient)

	inferenceClient, err := createInferenceClient(cfg)
	if err != nil {
		return 0, err
	}
	analyzer := codegen.NewAnalyzer(inferenceClient)
	synthesizer := codegen.NewSynthesizer(inferenceClient)

	sandboxClient, err := sandboxeth.NewClient(ctx, sandboxeth.Config{
		Mode:       cfg.Sandbox.Mode,
		RPCURL:     cfg.Sandbox.RPCURL,
		ForkHeight: cfg.Sandbox.ForkHeight,
	})
	if err != nil {
		return 0, err
	}
	defer sandboxClient.Close()

	executor := pipeline.New(resolver, analyzer, synthesizer, sandboxClient)

	fixtures, err := fixture.Load(cfg.Harness.FixtureDir, cfg.Harness.FixtureFilter)
	if err != nil {
		return 0, err
	}
	if len(fixtures) == 0 {
		return 0, fmt.Errorf("目录 %s 下没有匹配的夹具", cfg.Harness.FixtureDir)
	}

	sink, err := createSink(cfg)
	if err != nil {
		return 0, err
	}
	defer func() { _ = sink.Close() }()

	h := harness.New(executor, sink,
		time.Duration(cfg.Harness.TimeoutSeconds)*time.Second)
	summary, err := h.Run(ctx, fixtures)
	if err != nil {
		return 0, err
	}

	logger.L().Info("验证完成",
		"total", summary.Total,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"timeouts", summary.Timeouts,
		"infrastructure", summary.Infra)
	return summary.ExitCode(), nil
}

func createStore(cfg *config.Config) (contract.Store, error) {
	var store contract.Store
	switch cfg.Store.Driver {
	case "", "memory":
		store = contract.NewMemoryStore()
	case "mysql":
		mysqlStore, err := contract.NewMySQLStore(cfg.Store.DSN, contract.MySQLOptions{
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Store.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		store = mysqlStore
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Store.Driver)
	}

	if cfg.Store.Redis.Enabled {
		cached, err := contract.NewRedisCache(store, contract.RedisCacheOptions{
			Address:  cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			TTL:      time.Duration(cfg.Store.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		store = cached
	}
	return store, nil
}

func createExplorer(cfg *config.Config) (*etherscan.Client, error) {
	apiKey := strings.TrimSpace(cfg.Explorer.APIKey)
	if apiKey == "" && cfg.Explorer.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.Explorer.APIKeyEnv))
	}
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			"浏览器客户端需要配置 api_key 或 api_key_env")
	}
	return etherscan.NewClient(etherscan.Config{
		BaseURL: cfg.Explorer.BaseURL,
		APIKey:  apiKey,
		Timeout: time.Duration(cfg.Explorer.TimeoutSeconds) * time.Second,
	})
}

func createInferenceClient(cfg *config.Config) (inference.Client, error) {
	switch cfg.Inference.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.Inference.OpenAI.APIKey)
		if apiKey == "" && cfg.Inference.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Inference.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				"OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Inference.OpenAI.BaseURL,
			Model:   cfg.Inference.OpenAI.Model,
			Timeout: cfg.Inference.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的推理 provider: %s", cfg.Inference.Provider)
	}
}

func createSink(cfg *config.Config) (harness.Sink, error) {
	switch cfg.Harness.Report.Sink {
	case "", "log":
		return harness.NewLogSink(), nil
	case "rabbitmq":
		return harness.NewRabbitMQSink(harness.RabbitMQConfig{
			URL:     cfg.Harness.RabbitMQ.URL,
			Queue:   cfg.Harness.RabbitMQ.Queue,
			Durable: cfg.Harness.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的报表输出: %s", cfg.Harness.Report.Sink)
	}
}

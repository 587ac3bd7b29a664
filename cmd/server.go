package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"extract-bench/internal/api"
	"extract-bench/internal/dispatcher"
	"extract-bench/internal/engine"
	"extract-bench/internal/ingest"
	"extract-bench/internal/poller"
	"extract-bench/internal/storage"
)

// AppConfig 应用配置。
type AppConfig struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Upload     ingest.Config     `yaml:"upload"`
	Dispatcher dispatcher.Config `yaml:"dispatcher"`
	Poller     poller.Config     `yaml:"poller"`
	Engines    EnginesConfig     `yaml:"engines"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EnginesConfig 配置外部引擎，文本层与表格引擎无需配置始终可用。
type EnginesConfig struct {
	OCR    engine.OCRConfig     `yaml:"ocr"`
	Vision []VisionEngineConfig `yaml:"vision"`
}

type VisionEngineConfig struct {
	ID                  string `yaml:"id"`
	DisplayName         string `yaml:"display_name"`
	engine.VisionConfig `yaml:",inline"`
}

// jobRunner 抽象调度器，便于测试替换。
type jobRunner interface {
	Start(ctx context.Context) error
	Drain(ctx context.Context) int
}

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// appDeps 是组装完成的应用依赖。
type appDeps struct {
	handler http.Handler
	disp    jobRunner
}

func main() {
	drain := flag.Bool("drain", false, "process queued extraction tasks once and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Printf("load config error: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *drain {
		n, err := drainManual(ctx, cfg, buildDeps)
		if err != nil {
			log.Printf("drain error: %v", err)
			return
		}
		log.Printf("drained %d tasks", n)
		return
	}

	deps, cleanup, err := buildDeps(cfg)
	if err != nil {
		log.Printf("init error: %v", err)
		return
	}
	defer cleanup()

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: deps.handler}

	log.Printf("listening on %s", addr)
	if err := runServer(ctx, srv, deps.disp, 5*time.Second); err != nil {
		log.Printf("server error: %v", err)
	}
}

// runServer 运行 HTTP 服务与调度器，上下文取消时优雅关闭。
func runServer(ctx context.Context, srv httpServer, disp jobRunner, shutdownTimeout time.Duration) error {
	go func() {
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatcher stopped: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// drainManual 以手动模式组装依赖并同步处理一轮队列，供命令行一次性运行。
func drainManual(ctx context.Context, cfg AppConfig, build func(AppConfig) (appDeps, func(), error)) (int, error) {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return 0, fmt.Errorf("build dependencies: %w", err)
	}
	defer cleanup()
	return deps.disp.Drain(ctx), nil
}

// buildDeps 组装存储、引擎、调度器、上传服务与 HTTP 处理器。
func buildDeps(cfg AppConfig) (appDeps, func(), error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "extract.db"
	}

	store, err := storage.NewStore(dbPath)
	if err != nil {
		return appDeps{}, nil, fmt.Errorf("init store: %w", err)
	}

	registry := buildRegistry(cfg.Engines)
	disp := dispatcher.NewDispatcher(store, registry, cfg.Dispatcher, nil)

	uploads, err := ingest.NewService(store, disp, cfg.Upload, nil)
	if err != nil {
		store.Close()
		return appDeps{}, nil, fmt.Errorf("init upload service: %w", err)
	}

	tracker := poller.NewTracker(store, cfg.Poller)

	deps := appDeps{
		handler: api.NewHandler(store, disp, uploads, registry, tracker),
		disp:    disp,
	}
	cleanup := func() {
		tracker.StopAll()
		_ = store.Close()
	}
	return deps, cleanup, nil
}

func loadConfig() (AppConfig, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// buildRegistry 组装可用引擎：本地引擎始终注册，
// 外部引擎缺少必需配置时跳过并记录原因。
func buildRegistry(cfg EnginesConfig) *engine.Registry {
	client := &http.Client{Timeout: 90 * time.Second}

	adapters := []engine.Adapter{
		engine.NewTextLayerAdapter(nil),
		engine.NewTableAdapter(),
	}

	if cfg.OCR.BaseURL != "" {
		adapters = append(adapters, engine.NewOCRAdapter(cfg.OCR, client))
	} else {
		log.Printf("ocr engine disabled: missing base_url")
	}

	for _, v := range cfg.Vision {
		if v.ID == "" || v.APIBase == "" || v.Model == "" {
			log.Printf("vision engine %q disabled: missing id/api_base/model", v.ID)
			continue
		}
		name := v.DisplayName
		if name == "" {
			name = v.Model
		}
		adapters = append(adapters, engine.NewVisionAdapter(v.ID, name, v.VisionConfig, client))
	}

	return engine.NewRegistry(adapters...)
}

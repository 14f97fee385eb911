// Package main Memory Fusion Hub 服务入口
//
// 同时提供 gRPC 与 ZMQ 两种协议，以及 /metrics、/healthz HTTP 端点。
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"memory-fusion-hub/internal/config"
	"memory-fusion-hub/internal/shared/infra"
	"memory-fusion-hub/internal/tlsutil"
	"memory-fusion-hub/internal/transport/grpcserver"
	"memory-fusion-hub/internal/transport/zmqserver"
	"memory-fusion-hub/pkg/logging"
)

// healthInterval 标准健康检查服务的同步周期
const healthInterval = 15 * time.Second

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting Memory Fusion Hub... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	logCfg := cfg.Logging
	logCfg.Component = "fusion-hub"
	logger := logging.New(logCfg)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	fmt.Println("Server stopped")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inf, err := infra.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init infrastructure: %w", err)
	}
	defer inf.Close()

	if err := inf.PrepareArchive(ctx); err != nil {
		// 归档不可用只影响压缩，服务照常启动
		logger.Warn("Event archive bucket unavailable", "error", err)
	}

	svc := inf.Service()
	if h := svc.HealthStatus(ctx); !h.Healthy() {
		logger.Warn("Starting in non-healthy state", "status", h.Status)
	}

	grpcOpts := grpcserver.Options{
		MaxWorkers:     cfg.Server.MaxWorkers,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if cfg.Server.TLS.Enabled {
		tlsCfg, err := loadTLS(cfg.Server.TLS, logger)
		if err != nil {
			return err
		}
		grpcOpts.TLS = tlsCfg
	}
	grpcSrv := grpcserver.NewServer(svc, grpcOpts, logger.Component("grpc"))
	zmqSrv := zmqserver.NewServer(svc, zmqserver.Options{
		Endpoint:       zmqserver.Endpoint(cfg.Server.Host, cfg.Server.ZMQPort),
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Component("zmq"))

	var httpSrv *http.Server
	if cfg.Server.MetricsPort > 0 {
		httpSrv = &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MetricsPort)),
			Handler:      newHTTPHandler(svc, inf.Metrics),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return grpcSrv.ListenAndServe(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)))
	})
	g.Go(func() error {
		return zmqSrv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		grpcSrv.WatchHealth(gctx, healthInterval)
		return nil
	})
	if httpSrv != nil {
		g.Go(func() error {
			log.Printf("Metrics listening on %s", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		grpcSrv.Shutdown(shutdownCtx)
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Printf("Metrics server shutdown error: %v", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// loadTLS 加载 gRPC 证书，auto_generate 时缺失即生成
func loadTLS(c config.TLSConfig, logger *logging.Logger) (*tls.Config, error) {
	files := tlsutil.Files(c.CertDir)
	if c.AutoGenerate {
		var err error
		files, err = tlsutil.Ensure(tlsutil.Options{Dir: c.CertDir, Hosts: c.Hosts}, logger.Component("tls"))
		if err != nil {
			return nil, fmt.Errorf("ensure tls certs: %w", err)
		}
	}
	tlsCfg, err := tlsutil.ServerConfig(files)
	if err != nil {
		return nil, err
	}
	log.Printf("gRPC TLS enabled (CA: %s)", files.CAFile)
	return tlsCfg, nil
}

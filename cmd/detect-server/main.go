package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/menta2k/detection-server/internal/backend"
	"github.com/menta2k/detection-server/internal/config"
	"github.com/menta2k/detection-server/internal/logging"
	"github.com/menta2k/detection-server/internal/server"
	"github.com/menta2k/detection-server/pkg/analyzer"
	"github.com/menta2k/detection-server/pkg/detection"
)

func main() {
	var configPath, addr, backendName string
	var release, preload bool

	flag.StringVar(&configPath, "config", "", "path to a YAML config file (default: "+config.GetConfigPath()+" when present)")
	flag.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	flag.StringVar(&backendName, "backend", "", "inference backend: onnx|remote|ollama")
	flag.BoolVar(&release, "release", false, "run gin in release mode")
	flag.BoolVar(&preload, "preload", false, "load the model before accepting requests")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ApplyEnv(os.Getenv)
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if backendName != "" {
		cfg.Model.Backend = backendName
	}
	cfg.Server.Release = cfg.Server.Release || release
	cfg.Model.Preload = cfg.Model.Preload || preload

	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatal(err)
	}
	if cfg.Server.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	factory, err := backend.NewFactory(cfg.Model)
	if err != nil {
		log.Fatal(err)
	}
	loader := detection.NewLoader(factory)
	defer loader.Close()

	detector := detection.NewDetector(loader,
		analyzer.NewWithConfig(analyzer.Config{
			MinImageSize: cfg.Image.MinImageSize,
			MaxPixels:    cfg.Image.MaxPixels,
		}),
		detection.Options{Device: cfg.Model.Device, MaxImgsz: cfg.Defaults.MaxImgsz})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Model.Preload {
		if _, err := loader.Get(ctx); err != nil {
			log.Warnf("[Server] Model preload failed, will retry on first request: %v", err)
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(detector, loader, server.Options{
			DefaultConf:  cfg.Defaults.Conf,
			DefaultImgsz: cfg.Defaults.Imgsz,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		}).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":    cfg.Server.Addr,
			"backend": cfg.Model.Backend,
			"device":  cfg.Model.Device,
		}).Info("[Server] Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("[Server] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[Server] Shutdown failed: %v", err)
	}
}

package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"quantflow/internal/app"
	qfcfg "quantflow/internal/config"
	"quantflow/internal/logger"
	"quantflow/internal/workflow"
)

func main() {
	defPath := flag.String("definition", "", "path to the workflow definition JSON")
	name := flag.String("name", "workflow", "workflow name")
	mode := flag.String("mode", "backtest", "execution mode: backtest or live")
	flag.Parse()

	cfgPath := os.Getenv("QUANTFLOW_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := qfcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("opening log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded (env=%s, db=%s)", cfg.App.Env, cfg.Database.Driver)
	logger.Debugf("effective config:\n%s", cfg.Dump())

	if *defPath == "" {
		log.Fatalf("-definition is required")
	}
	definition, err := os.ReadFile(*defPath)
	if err != nil {
		log.Fatalf("reading definition failed: %v", err)
	}
	wfMode, err := workflow.ParseMode(*mode)
	if err != nil {
		log.Fatalf("invalid mode: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("initializing application failed: %v", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := application.CreateWorkflow(ctx, *name, wfMode, definition)
	if err != nil {
		log.Fatalf("creating workflow failed: %v", err)
	}
	wf, err := application.StartWorkflow(ctx, id)
	if err != nil {
		log.Fatalf("starting workflow failed: %v", err)
	}

	go func() {
		<-ctx.Done()
		logger.Infof("shutdown requested, cancelling workflow %s", id)
		wf.Cancel()
	}()

	status, err := wf.Wait(context.Background())
	if err != nil {
		log.Fatalf("waiting for workflow failed: %v", err)
	}
	logger.Infof("workflow %s finished: %s", id, status)
	if status == workflow.StatusFailed {
		os.Exit(1)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"crontimer/internal/daemon"
	logx "crontimer/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Parse()

	// Used until the config is loaded and after the daemon's own logs are closed.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfgPath)
	if err != nil {
		bootLog.Error("fatal", logx.Err(err), logx.String("config", cfgPath))
		os.Exit(1)
	}
	if err := d.Start(ctx); err != nil {
		bootLog.Error("fatal start", logx.Err(err))
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-d.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		bootLog.Warn("stop", logx.Err(err))
	}
	if err := d.Err(); err != nil {
		bootLog.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

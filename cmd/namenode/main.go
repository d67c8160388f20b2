package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luc/griddfs/tdfs"
)

func main() {
	configPath := flag.String("config", "", "path of a JSON config file")
	addr := flag.String("addr", "", "listen address, overrides the config")
	logDir := flag.String("logdir", "", "directory for namenode.log, stderr if empty")
	flag.Parse()

	cfg, err := tdfs.LoadNameNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}

	log, err := tdfs.LogInit(cfg.LogDir, "namenode")
	if err != nil {
		fmt.Fprintln(os.Stderr, "log:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nn, err := tdfs.OpenNameNode(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open namenode")
	}
	defer nn.Close()

	if err := nn.Run(ctx); err != nil {
		log.Error().Err(err).Msg("namenode stopped")
		os.Exit(1)
	}
}

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
	id := flag.String("id", "", "node id, random if empty")
	addr := flag.String("addr", "", "listen address, overrides the config")
	dataDir := flag.String("data", "", "directory of blocks, overrides the config")
	backend := flag.String("backend", "", "block backend: fs or badger")
	flag.Parse()

	cfg, err := tdfs.LoadDataNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *id != "" {
		cfg.NodeID = *id
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	log, err := tdfs.LogInit(cfg.LogDir, "datanode")
	if err != nil {
		fmt.Fprintln(os.Stderr, "log:", err)
		os.Exit(1)
	}

	store, err := tdfs.OpenBlockStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open block store")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dn := tdfs.NewDataNode(cfg, store, log)
	if err := dn.Run(ctx); err != nil {
		log.Error().Err(err).Msg("datanode stopped")
		os.Exit(1)
	}
}

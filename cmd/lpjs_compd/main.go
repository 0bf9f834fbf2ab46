// Package main implements the lpjs_compd compute node agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/compd"
	"github.com/xinlaoda/lpjs/internal/compd/probe"
	"github.com/xinlaoda/lpjs/internal/config"
	"github.com/xinlaoda/lpjs/pkg/lpjslog"
)

var version = "dev"

func main() {
	configPath := flag.String("c", config.DefaultPath, "path to configuration file")
	debug := flag.Bool("D", false, "Debug mode (log to stderr too, verbose logging)")
	hostname := flag.String("n", "", "Node name to check in as (default: system hostname)")
	probeOnly := flag.Bool("probe", false, "Print node specs and exit")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lpjs_compd version %s\n", version)
		os.Exit(0)
	}

	info, err := probe.Detect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpjs_compd: %v\n", err)
		os.Exit(1)
	}
	if *probeOnly {
		fmt.Print(probe.Format(info))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpjs_compd: %v\n", err)
		os.Exit(1)
	}

	log, dl, err := lpjslog.Setup(cfg.Compd.LogDir, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpjs_compd: open log: %v\n", err)
		os.Exit(1)
	}
	if dl != nil {
		defer dl.Close()
	}

	if *hostname == "" {
		if *hostname, err = os.Hostname(); err != nil {
			log.Error("cannot determine hostname", "error", err)
			os.Exit(1)
		}
	}

	key, err := auth.LoadKey(cfg.AuthKeyFile)
	if err != nil {
		log.Error("cannot load auth key", "error", err)
		os.Exit(1)
	}

	log.Info("lpjs_compd starting", "version", version, "hostname", *hostname,
		"dispatcher", cfg.Addr(), "cpus", info.CPUs, "physmem_mib", info.PhysMemMiB,
		"zfs", info.ZFS, "os", info.OS, "arch", info.Arch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := compd.New(cfg, key, *hostname, info.Specs(), log)
	if err := agent.Run(ctx); err != nil {
		log.Error("lpjs_compd exiting", "error", err)
		os.Exit(1)
	}
	log.Info("lpjs_compd stopped")
}

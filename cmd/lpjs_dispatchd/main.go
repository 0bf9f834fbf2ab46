// Package main implements the lpjs_dispatchd daemon entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xinlaoda/lpjs/internal/acct"
	"github.com/xinlaoda/lpjs/internal/api"
	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/config"
	"github.com/xinlaoda/lpjs/internal/server"
	"github.com/xinlaoda/lpjs/pkg/httpserver"
	"github.com/xinlaoda/lpjs/pkg/lpjslog"
)

var version = "dev"

func main() {
	configPath := flag.String("c", config.DefaultPath, "path to configuration file")
	debug := flag.Bool("D", false, "Debug mode (log to stderr too, verbose logging)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lpjs_dispatchd version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpjs_dispatchd: %v\n", err)
		os.Exit(1)
	}

	log, dl, err := lpjslog.Setup(cfg.LogDir, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpjs_dispatchd: open log: %v\n", err)
		os.Exit(1)
	}
	if dl != nil {
		defer dl.Close()
	}

	if err := run(cfg, *configPath, log); err != nil {
		log.Error("lpjs_dispatchd exiting", "error", err)
		if dl != nil {
			dl.Close()
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, log *slog.Logger) error {
	log.Info("lpjs_dispatchd starting", "version", version, "config", configPath,
		"compute_nodes", len(cfg.ComputeNodes))

	key, created, err := auth.LoadOrGenerateKey(cfg.AuthKeyFile)
	if err != nil {
		return err
	}
	if created {
		log.Info("generated auth key; copy it to every node", "path", cfg.AuthKeyFile)
	}

	var accounting *acct.Logger
	if cfg.AcctDir != "" {
		if accounting, err = acct.NewLogger(cfg.AcctDir, log); err != nil {
			return err
		}
		defer accounting.Close()
	}

	srv, err := server.New(cfg, key, accounting, log)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP, reloading config")
				next, err := config.Load(configPath)
				if err != nil {
					log.Error("reload failed", "error", err)
					continue
				}
				if err := srv.Reload(ctx, next); err != nil {
					log.Error("reload failed", "error", err)
				}
			default:
				log.Info("received signal, shutting down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	httpErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		handler := api.NewHandler(srv, log)
		hs := httpserver.New(cfg.HTTP.Addr, handler.Router(), cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, log)
		go func() {
			<-srv.Ready()
			if err := hs.Run(ctx); err != nil {
				httpErr <- err
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	select {
	case err = <-errc:
	case herr := <-httpErr:
		log.Error("status api failed", "error", herr)
		cancel()
		err = <-errc
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("lpjs_dispatchd stopped")
	return nil
}

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"llm-gateway/internal/config"
	"llm-gateway/internal/metrics"
	providerfactory "llm-gateway/internal/provider/factory"
	"llm-gateway/internal/router"
	"llm-gateway/internal/server"
)

const serveUsage = `Usage:
  llm-gateway serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to an optional YAML configuration file
  --port   int      Override server port from configuration

Environment:
  API_KEY, LLM_PROVIDER, OLLAMA_BASE_URL, NIM_BASE_URL, VLLM_BASE_URL,
  NIM_API_KEY, VLLM_API_KEY, DEFAULT_MODEL, LLM_TIMEOUT, ENGINES_DIR, PORT`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath, os.LookupEnv)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	providers, err := providerfactory.Build(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	rt := router.New(cfg.Provider, providers, m)
	if _, err := rt.Select(); err != nil {
		slog.Warn("configured provider is not recognised; API requests will fail", "provider", cfg.Provider)
	}

	srv, err := server.New(cfg, rt, m)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

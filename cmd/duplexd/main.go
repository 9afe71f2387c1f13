// Command duplexd serves full-duplex voice conversations over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-duplex/internal/config"
	"github.com/teslashibe/go-duplex/internal/log"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/voice"
	"github.com/teslashibe/go-duplex/pkg/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "TOML config file (overrides "+config.ConfigFileEnv+")")
	debug := flag.Bool("debug", false, "Enable debug logging and access logs")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *debug); err != nil {
		log.Error("duplexd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	if configPath != "" {
		if err := os.Setenv(config.ConfigFileEnv, configPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if debug {
		cfg.Server.LogLevel = "debug"
	}
	log.Init(cfg.Server.LogLevel)
	logger := log.L()

	logger.Info("starting duplexd",
		"version", version,
		"addr", cfg.Server.Addr,
		"model", cfg.LLM.Model,
		"tts", cfg.TTS.Providers,
		"store", cfg.Context.Store,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm, err := buildLLM(cfg, logger)
	if err != nil {
		return err
	}
	defer llm.Close()

	speech, err := buildTTS(cfg, logger)
	if err != nil {
		return err
	}
	defer speech.Close()

	store, err := conversation.Open(ctx, storeConfig(cfg, logger))
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	registry, err := buildTools(cfg, logger)
	if err != nil {
		return err
	}

	svc, err := voice.NewService(voiceConfig(cfg, logger), voice.Deps{
		LLM:   llm,
		TTS:   speech,
		Store: store,
		Tools: registry,
	})
	if err != nil {
		return err
	}

	if err := svc.Health(ctx); err != nil {
		logger.Warn("providers not ready", "error", err)
	}

	srv := web.NewServer(serverConfig(cfg, debug, logger), svc)
	err = srv.ListenAndServe(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("duplexd stopped")
	return nil
}

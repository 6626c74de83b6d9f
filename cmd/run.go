package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/channel"
	"tgrelay/pkg/channel/telegram"
	"tgrelay/pkg/config"
	"tgrelay/pkg/gateway"
	"tgrelay/pkg/logger"
	"tgrelay/pkg/paste"
	"tgrelay/pkg/state"

	"github.com/spf13/cobra"
)

var runEphemeral bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Telegram relay",
	Long:  "Runs the Telegram bridge with the relay gateway and its health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			fmt.Printf("invalid config: %v\n", err)
			return
		}

		appLogger, logFile, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		defer logFile.Close()
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.run")

		store, err := openState(cfg, runEphemeral)
		if err != nil {
			log.Error("Failed to open state store", "path", cfg.State.Path, "error", err)
			return
		}
		defer store.Close()

		paster, err := newPaster(cfg)
		if err != nil {
			log.Error("Failed to initialize media cache", "error", err)
			return
		}

		mb := bus.NewMessageBus(store)
		defer mb.Close()

		adapter, err := newTelegramAdapter(cfg, mb, paster, log)
		if err != nil {
			log.Error("Telegram configuration invalid", "error", err)
			return
		}
		protocols := []channel.Protocol{adapter}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, mb, protocols, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Relay started", "protocols", protocolNames(protocols), "destination", cfg.Telegram.GroupID, "ephemeral", runEphemeral)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Relay runtime failed", "error", err)
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&runEphemeral, "ephemeral", false, "keep state in memory instead of the state database")
	rootCmd.AddCommand(runCmd)
}

type stateStore interface {
	bus.StateStore
	io.Closer
}

func openState(cfg *config.Config, ephemeral bool) (stateStore, error) {
	if ephemeral {
		return state.NewMemory(), nil
	}

	store, err := state.OpenSQLite(cfg.State.Path)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func newPaster(cfg *config.Config) (paste.Paster, error) {
	if strings.TrimSpace(cfg.Paste.Dir) == "" {
		return paste.Disabled{}, nil
	}

	cache, err := paste.NewFileCache(cfg.Paste.Dir, cfg.Paste.BaseURL, cfg.Paste.MaxSize)
	if err != nil {
		return nil, err
	}

	return cache, nil
}

func newTelegramAdapter(cfg *config.Config, mb telegram.Bus, paster paste.Paster, log *slog.Logger) (*telegram.Adapter, error) {
	adapter, err := telegram.NewAdapter(cfg, mb, paster, log, telegram.WithUserAgent("tgrelay/"+version))
	if err != nil {
		return nil, fmt.Errorf("configure telegram protocol: %w", err)
	}

	return adapter, nil
}

func protocolNames(protocols []channel.Protocol) string {
	names := make([]string, 0, len(protocols))
	for _, p := range protocols {
		names = append(names, p.Name())
	}

	return strings.Join(names, ",")
}

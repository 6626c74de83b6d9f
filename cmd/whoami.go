package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/paste"
	"tgrelay/pkg/state"

	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the bot identity reported by Telegram",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}

		mb := bus.NewMessageBus(state.NewMemory())
		defer mb.Close()

		adapter, err := newTelegramAdapter(cfg, mb, paste.Disabled{}, slog.Default())
		if err != nil {
			return err
		}
		defer adapter.Close()

		me, err := adapter.Client().GetMe(context.Background())
		if err != nil {
			return fmt.Errorf("get bot identity: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id:       %d\n", me.ID)
		fmt.Fprintf(out, "username: @%s\n", me.Username)
		fmt.Fprintf(out, "name:     %s\n", me.FirstName)
		fmt.Fprintf(out, "relays:   %d\n", cfg.Telegram.GroupID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

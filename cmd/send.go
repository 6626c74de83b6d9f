package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/config"
	"tgrelay/pkg/paste"
	"tgrelay/pkg/state"

	"github.com/spf13/cobra"
)

var sendMarkdown bool

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send one message to the bridged chat",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return errors.New("message text is empty")
		}

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

		resp := bus.Response{Text: text, Type: responseType(sendMarkdown)}
		sent, err := adapter.Send(context.Background(), resp, "", nil)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		if sent == nil {
			return errors.New("nothing was sent")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "sent message %d to %s\n", sent.PID, bus.SmartName(sent.Chat))
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendMarkdown, "markdown", false, "send the text with Markdown formatting")
	rootCmd.AddCommand(sendCmd)
}

func responseType(markdown bool) bus.ResponseType {
	if markdown {
		return bus.ResponseMarkdown
	}

	return bus.ResponsePlain
}

func loadValidConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

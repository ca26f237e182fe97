package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/alexma233/Memoh/pkg/config"
	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/synchronizer"
)

func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("bot", "", "bot id")
	f.String("client-server-url", "", "memoh server URL")
	f.String("client-excluded-channel", "", "channel whose messages the feed skips")
	_ = cmd.MarkFlagRequired("bot")
}

type clientSetup struct {
	cfg     *config.Config
	http    *synchronizer.HTTPClient
	session *synchronizer.Session
}

func newClientSetup(cmd *cobra.Command, onChange func()) (*clientSetup, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	botID, _ := cmd.Flags().GetString("bot")
	hc, err := synchronizer.NewHTTPClient(cfg.Client.ServerURL, nil)
	if err != nil {
		return nil, err
	}
	s, err := synchronizer.NewSession(synchronizer.Config{
		BotID:           botID,
		Source:          hc,
		History:         hc,
		ExcludedChannel: cfg.Client.ExcludedChannel,
		OnChange:        onChange,
	})
	if err != nil {
		return nil, err
	}
	return &clientSetup{cfg: cfg, http: hc, session: s}, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func printMessage(w io.Writer, m conversation.Message) {
	text := m.Text()
	if text == "" {
		var kinds []string
		for _, p := range m.Parts() {
			kinds = append(kinds, p.Type)
		}
		text = "[" + strings.Join(kinds, ", ") + "]"
	}
	_, _ = fmt.Fprintf(w, "%s %-9s %-8s %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Platform, text)
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow a bot's message feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var (
				mu      sync.Mutex
				printed = map[string]struct{}{}
				setup   *clientSetup
			)
			ready := make(chan struct{})
			onChange := func() {
				<-ready
				mu.Lock()
				defer mu.Unlock()
				for _, m := range setup.session.Messages() {
					if _, ok := printed[m.ID]; ok {
						continue
					}
					printed[m.ID] = struct{}{}
					printMessage(cmd.OutOrStdout(), m)
				}
			}
			var err error
			setup, err = newClientSetup(cmd, onChange)
			if err != nil {
				return err
			}
			close(ready)

			if err := setup.session.Start(ctx); err != nil {
				return err
			}
			log.Info().Str("bot_id", setup.session.BotID()).Str("server", setup.cfg.Client.ServerURL).Msg("following feed")
			<-ctx.Done()
			setup.session.Stop()
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [query...]",
		Short: "Send one turn and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			setup, err := newClientSetup(cmd, nil)
			if err != nil {
				return err
			}
			channels, _ := cmd.Flags().GetStringSlice("channels")
			tc, err := synchronizer.NewTurnClient(setup.http, setup.session, channels...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, err = tc.Stream(ctx, strings.Join(args, " "), synchronizer.TurnCallbacks{
				OnDelta: func(text string) { _, _ = io.WriteString(out, text) },
				OnStatus: func(st conversation.ProcessingStatus) {
					log.Debug().Str("status", st.Status).Str("error", st.Error).Msg("turn status")
				},
				OnTool: func(ev conversation.StreamEvent) {
					switch e := ev.(type) {
					case conversation.ToolCall:
						log.Info().Str("tool", e.Name).Str("call_id", e.ID).Msg("tool call")
					case conversation.ToolResult:
						log.Info().Str("tool", e.Name).Str("call_id", e.ID).Bool("is_error", e.IsError).Msg("tool result")
					}
				},
			})
			_, _ = io.WriteString(out, "\n")
			return err
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringSlice("channels", nil, "channels the agent may use (default: server defaults)")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a bot's recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			setup, err := newClientSetup(cmd, nil)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			pages, _ := cmd.Flags().GetInt("pages")
			if limit <= 0 || pages <= 0 {
				return errors.New("--limit and --pages must be positive")
			}
			for i := 0; i < pages; i++ {
				_, more, err := setup.session.LoadOlder(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if !more {
					break
				}
			}
			for _, m := range setup.session.Messages() {
				printMessage(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Int("limit", synchronizer.DefaultHistoryPageSize, "messages per page")
	cmd.Flags().Int("pages", 1, "pages to load")
	return cmd
}

package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/alexma233/Memoh/pkg/config"
	"github.com/alexma233/Memoh/pkg/llm"
	"github.com/alexma233/Memoh/pkg/memory"
	"github.com/alexma233/Memoh/pkg/orchestrator"
	"github.com/alexma233/Memoh/pkg/persistence/chatstore"
	"github.com/alexma233/Memoh/pkg/redisstream"
	"github.com/alexma233/Memoh/pkg/tools"
	"github.com/alexma233/Memoh/pkg/webchat"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API and event feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return a.server.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("server-addr", config.DefaultAddr, "listen address")
	f.String("memory-db", "", "sqlite file for memory units (default: in memory)")
	f.String("chat-db", "", "sqlite file for the message log (default: in memory)")
	f.Bool("redis-enabled", false, "publish events through Redis Streams")
	f.String("redis-addr", "", "redis address")
	f.String("model-provider", "", "model provider (anthropic, echo)")
	f.String("model-name", "", "model name")
	return cmd
}

type app struct {
	server *webchat.Server
	router *webchat.Router
	hooks  []webchat.ShutdownHook
}

// close releases components without going through Server.Run.
func (a *app) close() {
	a.router.CloseStreams()
	for _, h := range a.hooks {
		if err := h.Close(); err != nil {
			log.Error().Err(err).Str("hook", h.Name).Msg("close failed")
		}
	}
}

// logMessenger records outbound messages. Channel adapters are not part of
// this server; the log is the delivery.
type logMessenger struct{}

func (logMessenger) Send(_ context.Context, msg tools.OutboundMessage) error {
	log.Info().
		Str("bot_id", msg.BotID).
		Str("platform", msg.Platform).
		Str("target", msg.Target).
		Int("attachments", len(msg.Attachments)).
		Str("text", msg.Text).
		Msg("outbound message")
	return nil
}

func buildModel(cfg config.ModelConfig) orchestrator.Model {
	if cfg.Provider == "anthropic" {
		return llm.NewAnthropicModel(llm.AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Name,
			MaxTokens: cfg.MaxTokens,
		})
	}
	return llm.EchoModel{}
}

func buildMemory(cfg config.MemoryConfig) (*memory.Provider, error) {
	var store memory.Store = memory.NewInMemoryStore()
	if cfg.DB != "" {
		dsn, err := memory.SQLiteDSNForFile(cfg.DB)
		if err != nil {
			return nil, err
		}
		s, err := memory.NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		store = s
	}
	index, err := memory.NewBleveIndex()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return memory.NewProvider(memory.ProviderConfig{Store: store, Index: index})
}

type chatStore interface {
	chatstore.MessageStore
	chatstore.RequestStore
}

func buildChatStore(cfg config.ChatConfig) (chatStore, error) {
	if cfg.DB == "" {
		return chatstore.NewInMemoryStore(cfg.MaxMessagesPerBot), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(cfg.DB)
	if err != nil {
		return nil, err
	}
	s, err := chatstore.NewSQLiteStore(dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// buildApp wires every component. On error, whatever was opened is closed.
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	var closers []webchat.ShutdownHook
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	provider, err := buildMemory(cfg.Memory)
	if err != nil {
		return nil, errors.Wrap(err, "memory")
	}
	closers = append(closers, webchat.ShutdownHook{Name: "memory", Close: provider.Close})

	registry, err := tools.NewBuiltinRegistry(tools.Builtins{
		Messenger: logMessenger{},
		Memory:    provider,
		Contacts:  tools.NewInMemoryContactBook(),
	})
	if err != nil {
		return nil, err
	}

	profile, err := orchestrator.LoadProfile(orchestrator.ProfileFiles{
		Identity:      cfg.Agent.IdentityFile,
		Soul:          cfg.Agent.SoulFile,
		Tools:         cfg.Agent.ToolsFile,
		SkillsDir:     cfg.Agent.SkillsDir,
		EnabledSkills: cfg.Agent.EnabledSkills,
	})
	if err != nil {
		return nil, err
	}

	var counter orchestrator.TokenCounter = orchestrator.ApproxCounter{}
	if c, cerr := orchestrator.NewTiktokenCounter(cfg.Memory.Encoding); cerr != nil {
		log.Warn().Err(cerr).Msg("falling back to approximate token counting")
	} else {
		counter = c
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Model:            buildModel(cfg.Model),
		Tools:            registry,
		Memory:           provider,
		Profile:          profile,
		Tokens:           counter,
		MaxContextTokens: cfg.Memory.MaxContextTokens,
		MaxSteps:         cfg.Agent.MaxSteps,
		Language:         cfg.Agent.Language,
	})
	if err != nil {
		return nil, err
	}
	turnsHook := webchat.ShutdownHook{Name: "turns", Close: func() error {
		orch.Wait()
		return nil
	}}
	closers = append(closers, turnsHook)

	store, err := buildChatStore(cfg.Chat)
	if err != nil {
		return nil, errors.Wrap(err, "chat store")
	}
	closers = append(closers, webchat.ShutdownHook{Name: "chat store", Close: store.Close})

	transport, err := redisstream.Build(cfg.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "event transport")
	}
	closers = append(closers, webchat.ShutdownHook{Name: "event transport", Close: transport.Close})

	hub, err := webchat.NewEventHub(ctx, transport)
	if err != nil {
		return nil, err
	}
	svc, err := webchat.NewChatService(webchat.ChatServiceConfig{
		BaseCtx:  ctx,
		Turns:    orch,
		Messages: store,
		Requests: store,
		Hub:      hub,
		Memory:   provider,
		Defaults: webchat.Defaults{
			Channels:       cfg.Agent.Channels,
			CurrentChannel: cfg.Agent.CurrentChannel,
			ContextHorizon: cfg.Memory.ContextHorizon(),
			Language:       cfg.Agent.Language,
			MaxSteps:       cfg.Agent.MaxSteps,
		},
		EnableSchedules: cfg.Server.EnableSchedules,
	})
	if err != nil {
		return nil, err
	}
	router, err := webchat.NewRouter(ctx, svc,
		webchat.WithHeartbeatInterval(cfg.Server.HeartbeatInterval),
		webchat.WithIdleTimeout(cfg.Server.IdleTimeout),
	)
	if err != nil {
		return nil, err
	}

	// Turns drain before the stores they write to close.
	hooks := []webchat.ShutdownHook{turnsHook}
	for _, h := range closers {
		if h.Name != turnsHook.Name {
			hooks = append(hooks, h)
		}
	}
	srv, err := webchat.NewServer(router, cfg.Server.Addr, hooks...)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("model", cfg.Model.Provider).
		Bool("redis", cfg.Redis.Enabled).
		Bool("persistent_memory", cfg.Memory.DB != "").
		Bool("persistent_chat", cfg.Chat.DB != "").
		Msg("memoh components ready")
	return &app{server: srv, router: router, hooks: hooks}, nil
}

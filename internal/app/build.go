package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/chatsession/internal/assistant"
	"github.com/ent0n29/chatsession/internal/chat"
	"github.com/ent0n29/chatsession/internal/config"
	"github.com/ent0n29/chatsession/internal/conversation"
	"github.com/ent0n29/chatsession/internal/httpapi"
	"github.com/ent0n29/chatsession/internal/observability"
	"github.com/ent0n29/chatsession/internal/session"
	"github.com/ent0n29/chatsession/internal/storage"
)

// Assistant is one configured assistant type with its backend client and
// storage namespace.
type Assistant struct {
	Profile assistant.Profile
	Client  assistant.Client
	Storage *storage.Adapter
}

type BuildResult struct {
	Config     config.Config
	Logger     *zap.Logger
	API        *httpapi.Server
	Sessions   *session.Manager
	Metrics    *observability.Metrics
	Assistants map[string]*Assistant

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// NewController builds a chat controller for assistantType backed by the
// shared storage of that type.
func (b *BuildResult) NewController(assistantType string) (*chat.Controller, error) {
	a, ok := b.Assistants[strings.TrimSpace(assistantType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", httpapi.ErrUnknownAssistant, assistantType)
	}
	return chat.NewController(chat.Config{
		AssistantType: a.Profile.Type,
		Client:        a.Client,
		Store: conversation.NewStore(conversation.Config{
			Adapter:         a.Storage,
			WelcomeText:     a.Profile.Welcome,
			Retention:       b.Config.Retention,
			MaxMessages:     b.Config.MaxMessages,
			PersistDebounce: b.Config.PersistDebounce,
			Logger:          b.Logger,
		}),
		Metrics: b.Metrics,
		Logger:  b.Logger,
	}), nil
}

// AssistantTypes lists configured assistant types in a stable order.
func (b *BuildResult) AssistantTypes() []string {
	out := make([]string, 0, len(b.Assistants))
	for t := range b.Assistants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	profiles, err := loadProfiles(cfg)
	if err != nil {
		return nil, err
	}

	kv, err := storage.NewKV(ctx, storage.Config{
		Driver:      cfg.StorageDriver,
		Path:        cfg.StoragePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("chat storage init failed: %w", err)
	}

	assistants := make(map[string]*Assistant, len(profiles))
	for _, p := range profiles {
		clientCfg := p.ClientConfig()
		if clientCfg.Timeout <= 0 {
			clientCfg.Timeout = cfg.AssistantTimeout
		}
		if clientCfg.APIKey == "" {
			clientCfg.APIKey = cfg.AssistantAPIKey
		}
		client, err := assistant.NewClient(clientCfg)
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("assistant %q client init failed: %w", p.Type, err)
		}
		if mock, ok := client.(*assistant.MockClient); ok {
			mock.Delay = cfg.MockReplyDelay
		}

		adapter := storage.NewAdapter(kv, p.Type, logger)
		assistantType := p.Type
		adapter.SetErrorHook(func(op string) {
			metrics.ObserveStorageError(assistantType, op)
		})

		assistants[p.Type] = &Assistant{Profile: p, Client: client, Storage: adapter}
		backend := "http"
		if _, ok := client.(*assistant.MockClient); ok {
			backend = "mock"
		}
		logger.Info("assistant configured", zap.String("assistant", p.Type), zap.String("backend", backend))
	}

	out := &BuildResult{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Assistants: assistants,
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, out.NewController, logger)
	out.Sessions = sessions

	out.API = httpapi.New(httpapi.Options{
		AllowAnyOrigin:    cfg.AllowAnyOrigin,
		SendRatePerSecond: cfg.SendRatePerSecond,
		SendBurst:         cfg.SendBurst,
		Assistants:        out.AssistantTypes(),
		StorageDriver:     cfg.StorageDriver,
	}, sessions, metrics, logger)
	sessions.SetExpireHook(func(s *session.Session) {
		out.API.ForgetSession(s.ID)
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	out.Cleanup = func() error {
		sessions.CloseAll(context.Background())
		if err := kv.Close(); err != nil {
			return fmt.Errorf("close chat storage: %w", err)
		}
		return nil
	}
	return out, nil
}

func loadProfiles(cfg config.Config) ([]assistant.Profile, error) {
	if cfg.AssistantsFile != "" {
		profiles, err := assistant.LoadProfiles(cfg.AssistantsFile)
		if err != nil {
			return nil, err
		}
		return profiles, nil
	}
	p := assistant.DefaultProfile(cfg.AssistantMode, cfg.AssistantChatURL, cfg.AssistantFeedbackURL)
	p.APIKey = cfg.AssistantAPIKey
	p.Timeout = cfg.AssistantTimeout
	return []assistant.Profile{p}, nil
}

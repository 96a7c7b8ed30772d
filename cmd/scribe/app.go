package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/joss/scribe/internal/assembler"
	"github.com/joss/scribe/internal/auth"
	"github.com/joss/scribe/internal/config"
	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/executor"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/orchestrator"
	"github.com/joss/scribe/internal/planning"
	"github.com/joss/scribe/internal/progress"
	"github.com/joss/scribe/internal/provider"
	"github.com/joss/scribe/internal/runtime"
	"github.com/joss/scribe/internal/splitter"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/store/mongo"
	"github.com/joss/scribe/internal/store/sqlite"
	"github.com/joss/scribe/internal/tokens"
	"github.com/joss/scribe/pkg/llm"
)

// app is the wired engine shared by every command.
type app struct {
	env      *config.ScribeEnv
	store    store.Store
	ctl      *orchestrator.Controller
	caller   domain.Caller
	shutdown *runtime.ShutdownManager
}

// openApp builds the engine from the environment. Closing is handled by
// the returned app's shutdown manager.
func openApp(ctx context.Context, env *config.ScribeEnv) (*app, error) {
	sm := runtime.NewShutdownManager(10 * time.Second)

	st, err := openStore(ctx, env)
	if err != nil {
		return nil, err
	}
	sm.RegisterCloser("store", st)

	counter := tokens.Default()
	backend, err := openBackend(env)
	if err != nil {
		logging.New("cli").Warn("backend_unavailable", map[string]any{"backend": env.Backend}, err)
	}

	planOpts := []planning.Option{
		planning.WithCounter(counter),
		planning.WithPlannerTimeout(env.PlannerTimeout),
	}
	if backend != nil {
		planOpts = append(planOpts, planning.WithBackend(backend, env.Model))
	} else {
		backend = unavailable{err: err}
	}
	plans := planning.NewService(st, planOpts...)

	cfg := executor.DefaultConfig()
	cfg.MaxRetries = env.MaxRetries
	cfg.BackendTimeout = env.BackendTimeout
	cfg.LeaseTimeout = env.Lease()
	cfg.ContinuityTokens = env.ContinuityTokens
	cfg.Model = env.Model
	ex := executor.New(st, backend, cfg)

	feed := progress.NewFeed(st, progress.WithPollInterval(env.PollInterval))
	ctl := orchestrator.New(st, plans, splitter.New(counter), ex, assembler.New(), feed)

	return &app{
		env:      env,
		store:    st,
		ctl:      ctl,
		caller:   domain.Caller{UserID: env.User},
		shutdown: sm,
	}, nil
}

// Close releases the store and everything else registered for shutdown.
func (a *app) Close() error {
	return a.shutdown.Shutdown()
}

func openStore(ctx context.Context, env *config.ScribeEnv) (store.Store, error) {
	switch env.Store {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongo.Connect(connectCtx, env.MongoURI, env.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return s, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		path := env.SQLiteFile()
		if err := config.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
		s, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		return s, nil
	}
}

func openBackend(env *config.ScribeEnv) (llm.Provider, error) {
	var opts []provider.ConfigOption
	switch env.Backend {
	case "anthropic", "claude":
		opts = append(opts, provider.WithAPIKey(env.AnthropicKey), provider.WithBaseURL(env.AnthropicBaseURL))
	case "openai", "gpt":
		opts = append(opts, provider.WithAPIKey(env.OpenAIKey), provider.WithBaseURL(env.OpenAIBaseURL))
	}
	return provider.Default.CreateByID(env.Backend, opts...)
}

// unavailable stands in for a backend that could not be configured so that
// read-only commands still work. Every call fails as a backend failure.
type unavailable struct{ err error }

func (unavailable) ID() string   { return "unavailable" }
func (unavailable) Name() string { return "Unavailable" }

func (u unavailable) Generate(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, fmt.Errorf("%w: %w", domain.ErrBackendFailure, u.err)
}

func newVerifier(ctx context.Context, env *config.ScribeEnv) (auth.Verifier, error) {
	switch env.Auth {
	case "firebase":
		return auth.NewFirebase(ctx, env.FirebaseProjectID, env.FirebaseCredentials)
	case "static":
		return auth.ParseStatic(env.StaticTokens)
	default:
		return auth.Anonymous{UserID: env.User}, nil
	}
}

// interruptible returns a context cancelled by SIGINT or SIGTERM. On a signal
// the store stays open until finish is called, so in-flight work can record
// its outcome first.
func (a *app) interruptible(parent context.Context, name string) (context.Context, func()) {
	stop := a.shutdown.ListenForSignals()
	finished := make(chan struct{})
	a.shutdown.Register(name, func(ctx context.Context) error {
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var once sync.Once
	ctx := logging.WithRequestID(a.shutdown.Context(), logging.GetRequestID(parent))
	return ctx, func() {
		once.Do(func() {
			close(finished)
			stop()
		})
	}
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/icgl/pkg/agents"
	"github.com/Mindburn-Labs/icgl/pkg/artifacts"
	"github.com/Mindburn-Labs/icgl/pkg/budget"
	"github.com/Mindburn-Labs/icgl/pkg/config"
	"github.com/Mindburn-Labs/icgl/pkg/contracts"
	"github.com/Mindburn-Labs/icgl/pkg/cycle"
	"github.com/Mindburn-Labs/icgl/pkg/hdal"
	"github.com/Mindburn-Labs/icgl/pkg/kb"
	"github.com/Mindburn-Labs/icgl/pkg/observability"
	"github.com/Mindburn-Labs/icgl/pkg/policy"
	"github.com/Mindburn-Labs/icgl/pkg/sentinel"
)

const budgetScope = "icgl"

// app holds every subsystem of one CLI invocation.
type app struct {
	cfg      *config.Config
	store    *kb.SQLStore
	policies *policy.PolicySet
	sentinel *sentinel.Sentinel
	guard    *budget.Guard
	tokens   *hdal.TokenVerifier
	obs      *observability.Provider
	engine   *cycle.Engine
	closers  []func(context.Context) error
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newApp wires the governance stack from configuration. Lite mode keeps
// everything under the data directory: sqlite, the signing key and artifacts.
func newApp(ctx context.Context, configPath string, stderr io.Writer) (_ *app, err error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
	logger := slog.Default().With("component", "icgl")

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	if cfg.LiteMode() {
		logger.Debug("lite mode", "db", cfg.SQLitePath())
		a.store, err = kb.OpenSQLite(ctx, cfg.SQLitePath())
	} else {
		a.store, err = kb.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	counter, err := a.budgetCounter(ctx)
	if err != nil {
		return nil, err
	}
	a.guard = budget.NewGuard(cfg.BudgetLimit, counter)

	var constraints []policy.Constraint
	if cfg.PolicyFile != "" {
		a.policies, constraints, err = policy.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
	} else {
		a.policies = policy.DefaultPolicySet()
	}
	if err := a.syncPolicies(ctx); err != nil {
		return nil, err
	}
	enforcer, err := policy.NewEnforcer(policy.WithConstraints(constraints...))
	if err != nil {
		return nil, err
	}

	registry := sentinel.DefaultRegistry()
	if cfg.RuleFile != "" {
		descriptors, err := sentinel.LoadRuleFile(cfg.RuleFile)
		if err != nil {
			return nil, err
		}
		if err := registry.Load(descriptors...); err != nil {
			return nil, err
		}
	}
	a.sentinel = sentinel.New(registry, sentinel.WithEnabledRules(cfg.EnabledRules...))

	roles := make([]contracts.AgentRole, 0, len(cfg.AgentRoles))
	for _, r := range cfg.AgentRoles {
		roles = append(roles, contracts.AgentRole(r))
	}
	builtins, err := agents.Builtins(roles...)
	if err != nil {
		return nil, err
	}
	pool := agents.NewRegistry(
		agents.WithPoolSize(cfg.PoolSize),
		agents.WithDispatchRate(cfg.DispatchRPS, cfg.DispatchBurst),
	)
	for _, ag := range builtins {
		if err := pool.Register(ag); err != nil {
			return nil, err
		}
	}

	secret, err := a.signingSecret()
	if err != nil {
		return nil, err
	}
	signer, err := hdal.NewSigner(secret)
	if err != nil {
		return nil, err
	}
	a.tokens, err = hdal.NewTokenVerifier(secret, cfg.TokenIssuer)
	if err != nil {
		return nil, err
	}

	blobs, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}

	a.obs, err = observability.New(ctx, &observability.Config{
		ServiceName:    "icgl",
		ServiceVersion: version,
		Environment:    "cli",
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.obs.Shutdown)

	opts := []cycle.Option{
		cycle.WithAgentTimeout(cfg.AgentTimeout),
		cycle.WithObservability(a.obs),
	}
	if blobs != nil {
		opts = append(opts, cycle.WithArchive(artifacts.NewArchive(blobs)))
	}
	a.engine, err = cycle.New(cycle.Components{
		KB:        a.store,
		Enforcer:  enforcer,
		Policies:  a.policies,
		Sentinel:  a.sentinel,
		Agents:    pool,
		Budget:    a.guard,
		Authority: hdal.NewAuthority(signer),
	}, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// budgetCounter picks the shared counter: Redis when configured, otherwise a
// row in the knowledge base database, so usage accumulates across runs.
func (a *app) budgetCounter(ctx context.Context) (budget.Counter, error) {
	if a.cfg.RedisAddr != "" {
		return budget.NewRedisCounter(a.cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, budgetScope), nil
	}
	c := budget.NewSQLCounter(a.store.DB(), budgetScope)
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// syncPolicies seeds the configured policies into the knowledge base and
// folds in any the knowledge base already holds.
func (a *app) syncPolicies(ctx context.Context) error {
	for _, p := range a.policies.Policies() {
		if err := a.store.AddPolicy(ctx, p); err != nil {
			return err
		}
	}
	stored, err := a.store.ListPolicies(ctx)
	if err != nil {
		return err
	}
	for _, p := range stored {
		if a.policies.Has(p.Code) {
			continue
		}
		if err := a.policies.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// signingSecret returns the configured secret, or reads (and on first run
// writes) a hex key under the data directory.
func (a *app) signingSecret() ([]byte, error) {
	if a.cfg.SigningSecret != "" {
		return []byte(a.cfg.SigningSecret), nil
	}
	path := filepath.Join(a.cfg.DataDir, "signing.key")
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", path, err)
		}
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, err
	}
	slog.Default().Info("generated signing key", "component", "icgl", "path", path)
	return key, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			slog.Default().Warn("shutdown", "component", "icgl", "error", err)
		}
	}
	a.closers = nil
}

// resolveSigner returns the human identity from --token when given, else --as.
func (a *app) resolveSigner(as, token string) (string, error) {
	if token == "" {
		return as, nil
	}
	human, err := a.tokens.Verify(token)
	if err != nil {
		return "", contracts.WrapError(contracts.CodeSignatureError, err, "signer token rejected")
	}
	return human, nil
}

// exitCode maps an error onto the documented exit codes.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if contracts.CodeOf(err) != "" {
		return 1
	}
	return 2
}

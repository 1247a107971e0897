package main

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/trap-cli/internal/assoc"
	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/metrics"
	"github.com/sells-group/trap-cli/internal/resilience"
	"github.com/sells-group/trap-cli/internal/store"
)

// env bundles what most commands need.
type env struct {
	Store   store.Store
	Engine  *assoc.Engine
	Metrics *metrics.AssocMetrics
}

// Close releases the store.
func (e *env) Close() {
	_ = e.Store.Close()
}

type retrySetter interface {
	SetRetry(resilience.RetryConfig)
}

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "trap.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if rs, ok := st.(retrySetter); ok {
		rs.SetRetry(resilience.FromRetryConfig(cfg.Assoc.MaxAttempts, cfg.Assoc.InitialBackoffMs, cfg.Assoc.MaxBackoffMs))
	}
	return st, nil
}

// initEnv opens the store and builds an engine with a fresh metrics registry.
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	m, err := metrics.NewAssocMetrics(prometheus.NewRegistry())
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init metrics")
	}
	return &env{Store: st, Engine: assoc.New(st, m), Metrics: m}, nil
}

// addParamFlags registers --radius and --deruiter on cmd.
func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("radius", 0, "search radius in degrees (default from config)")
	cmd.Flags().Float64("deruiter", 0, "De Ruiter radius cutoff (default from config)")
}

// assocParams returns config defaults overridden by flags set on cmd.
func assocParams(cmd *cobra.Command) match.Params {
	p := match.Params{Theta: cfg.Assoc.Theta, DeRuiterR: cfg.Assoc.DeRuiterR}
	if f := cmd.Flags().Lookup("radius"); f != nil && f.Changed {
		p.Theta, _ = cmd.Flags().GetFloat64("radius")
	}
	if f := cmd.Flags().Lookup("deruiter"); f != nil && f.Changed {
		p.DeRuiterR, _ = cmd.Flags().GetFloat64("deruiter")
	}
	return p
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

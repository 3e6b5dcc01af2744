package chat

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/nugget/steward/internal/config"
)

// NewTransport builds the transport selected by cfg.Backend.Kind.
// Every call returns an independent transport, one per session.
func NewTransport(cfg *config.Config, logger *slog.Logger) (Transport, error) {
	switch cfg.Backend.Kind {
	case config.BackendSubprocess:
		sp := cfg.Backend.Subprocess
		return NewSubprocessTransport(SubprocessConfig{
			Command:        sp.Command,
			Args:           sp.Args,
			Dir:            sp.Dir,
			Env:            envList(sp.Env),
			PTY:            sp.PTY,
			StartupTimeout: cfg.Timeouts.Startup,
			ReadTimeout:    cfg.Timeouts.Read,
			Lookahead:      cfg.Timeouts.Lookahead,
			TerminateGrace: cfg.Timeouts.Terminate,
			Logger:         logger,
		}), nil
	case config.BackendHTTP:
		h := cfg.Backend.HTTP
		return NewHTTPTransport(HTTPConfig{
			Endpoint:          h.Endpoint,
			APIKey:            h.APIKey,
			Model:             h.Model,
			Stream:            h.Stream,
			UserAgent:         h.UserAgent,
			RequestTimeout:    cfg.Timeouts.Request,
			ReadTimeout:       cfg.Timeouts.Read,
			RequestsPerSecond: h.RequestsPerSecond,
			Logger:            logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// OptionsFromConfig derives session retry options from cfg.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		MaxAttempts:    cfg.Backend.HTTP.MaxAttempts,
		InitialBackoff: cfg.Backend.HTTP.InitialBackoff,
		MaxBackoff:     cfg.Backend.HTTP.MaxBackoff,
		Debug:          cfg.Debug,
		Logger:         logger,
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

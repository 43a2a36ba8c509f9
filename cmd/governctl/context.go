package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spf13/cobra"

	"content-governance/internal/app"
	"content-governance/internal/config"
	"content-governance/internal/logging"
)

type builder func(ctx context.Context) (*app.App, error)

// commandContext builds the app once per process, on first use.
type commandContext struct {
	build    builder
	jsonFlag bool

	once   sync.Once
	app    *app.App
	appErr error
}

func newCommandContext(build builder) *commandContext {
	if build == nil {
		build = buildFromEnv
	}
	return &commandContext{build: build}
}

func buildFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
}

func (c *commandContext) ensureApp(ctx context.Context) (*app.App, error) {
	c.once.Do(func() {
		c.app, c.appErr = c.build(ctx)
	})
	return c.app, c.appErr
}

func (c *commandContext) close() {
	if c.app != nil {
		c.app.Close()
	}
}

// withApp runs fn against the built app.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.ensureApp(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

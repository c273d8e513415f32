package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/marblebag/nexusvault"
	"github.com/marblebag/nexusvault/cache/disk"
)

// globals holds the root flags and the state built from them in Before.
type globals struct {
	vaultPath  string
	configPath string
	logLevel   string
	logFormat  string
	cacheDir   string

	cfg    Config
	logger *slog.Logger
}

func newApp() *cli.Command {
	g := &globals{}
	return &cli.Command{
		Name:  "nexusvault",
		Usage: "Inspect and edit index/archive vaults",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "vault",
				Aliases:     []string{"f"},
				Usage:       "vault base name, .index or .archive path",
				Sources:     cli.EnvVars("NEXUSVAULT_VAULT"),
				Destination: &g.vaultPath,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to a YAML config file",
				Destination: &g.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "warn",
				Destination: &g.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (text, json)",
				Value:       "text",
				Destination: &g.logFormat,
			},
			&cli.StringFlag{
				Name:        "cache-dir",
				Usage:       "cache decoded content in this directory",
				Destination: &g.cacheDir,
			},
		},
		Before: g.before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			lsCmd(g),
			catCmd(g),
			statCmd(g),
			extractCmd(g),
			addCmd(g),
			rmCmd(g),
			gcCmd(g),
			verifyCmd(g),
			infoCmd(g),
		},
	}
}

func (g *globals) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(g.configPath)
	if err != nil {
		return ctx, err
	}
	g.cfg = cfg
	applyGlobalConfig(cmd, cfg, g)

	level, err := ParseLevel(g.logLevel)
	if err != nil {
		return ctx, err
	}
	g.logger, err = newLogger(cmd.Root().ErrWriter, level, g.logFormat)
	return ctx, err
}

// open opens the vault named by --vault. Writable vaults that do not exist
// are created when create is set.
func (g *globals) open(writable, create bool) (*nexusvault.Vault, error) {
	if g.vaultPath == "" {
		return nil, errors.New("no vault given: use --vault or NEXUSVAULT_VAULT")
	}
	opts, err := g.vaultOptions()
	if err != nil {
		return nil, err
	}
	if !writable {
		return nexusvault.Open(g.vaultPath, append(opts, nexusvault.WithReadOnly())...)
	}
	if create {
		indexPath, _ := nexusvault.CompanionPaths(g.vaultPath)
		if _, err := os.Stat(indexPath); errors.Is(err, os.ErrNotExist) {
			return nexusvault.Create(g.vaultPath, opts...)
		}
	}
	return nexusvault.Open(g.vaultPath, opts...)
}

func (g *globals) vaultOptions() ([]nexusvault.Option, error) {
	opts := []nexusvault.Option{nexusvault.WithLogger(g.logger)}
	cfgOpts, err := g.cfg.vaultOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, cfgOpts...)
	if g.cacheDir != "" {
		c, err := disk.New(g.cacheDir, disk.WithMaxBytes(g.cfg.CacheMaxBytes))
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		opts = append(opts, nexusvault.WithCache(c))
	}
	return opts, nil
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func newLogger(w io.Writer, level slog.Level, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func withVault(g *globals, writable bool, fn func(ctx context.Context, cmd *cli.Command, v *nexusvault.Vault) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		v, err := g.open(writable, false)
		if err != nil {
			return err
		}
		if err := fn(ctx, cmd, v); err != nil {
			v.Close()
			return err
		}
		return v.Close()
	}
}

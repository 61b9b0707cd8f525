// Package app is the deluge-rpc command line.
package app

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"deluge-rpc/client"
	"deluge-rpc/config"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "DELUGE_RPC_"

func env(name string) []string { return []string{envPrefix + name} }

// options are the global flags, filled in by urfave/cli before any command runs.
type options struct {
	cfg      config.Config
	authFile string
	logger   *zap.Logger
}

func Instance() *cli.App {
	o := &options{cfg: config.Default()}
	loglevel := o.cfg.LogLevel
	return &cli.App{
		Name:  "deluge-rpc",
		Usage: "talk to a deluge daemon over its RPC port",
		Commands: []*cli.Command{
			methodsCmd(o),
			callCmd(o),
			watchCmd(o),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", EnvVars: env("HOST"), Destination: &o.cfg.Host, Value: o.cfg.Host},
			&cli.IntFlag{Name: "port", EnvVars: env("PORT"), Destination: &o.cfg.Port, Value: o.cfg.Port},
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, EnvVars: env("USERNAME"), Destination: &o.cfg.Username},
			&cli.StringFlag{Name: "password", EnvVars: env("PASSWORD"), Destination: &o.cfg.Password},
			&cli.StringFlag{
				Name:        "auth-file",
				Usage:       "deluge auth file used when username or password is missing (default ~/.config/deluge/auth)",
				EnvVars:     env("AUTH_FILE"),
				Destination: &o.authFile,
			},
			&cli.DurationFlag{Name: "timeout", Usage: "per-call timeout", EnvVars: env("TIMEOUT"), Destination: &o.cfg.CallTimeout, Value: o.cfg.CallTimeout},
			&cli.DurationFlag{Name: "deadline", Usage: "overall deadline per call including retries", EnvVars: env("DEADLINE"), Destination: &o.cfg.Deadline},
			&cli.IntFlag{Name: "retries", Usage: "retries after a call timeout", EnvVars: env("RETRIES"), Destination: &o.cfg.Retries},
			&cli.Float64Flag{Name: "rate-limit", Usage: "calls per second, 0 for unlimited", EnvVars: env("RATE_LIMIT"), Destination: &o.cfg.RateLimit},
			&cli.IntFlag{Name: "rate-burst", EnvVars: env("RATE_BURST"), Destination: &o.cfg.RateBurst, Value: o.cfg.RateBurst},
			&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoints to discover the daemon from", EnvVars: env("ETCD")},
			&cli.StringFlag{Name: "service", EnvVars: env("SERVICE"), Destination: &o.cfg.Registry.Service, Value: o.cfg.Registry.Service},
			&cli.StringFlag{
				Name:        "balancer",
				Usage:       "round_robin, weighted_random or consistent_hash",
				EnvVars:     env("BALANCER"),
				Destination: &o.cfg.Registry.Balancer,
				Value:       o.cfg.Registry.Balancer,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Verbosity of log, valid values are: debug, info, warn, error",
				EnvVars:     env("LOG_LEVEL"),
				Destination: &loglevel,
				Value:       loglevel,
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(loglevel)
			if err != nil {
				return err
			}
			o.cfg.LogLevel = loglevel
			o.cfg.Registry.Endpoints = ctx.StringSlice("etcd")
			enc := zap.NewDevelopmentEncoderConfig()
			enc.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
			o.logger = zap.New(zapcore.NewCore(
				zapcore.NewConsoleEncoder(enc),
				zapcore.AddSync(ctx.App.ErrWriter),
				zap.NewAtomicLevelAt(level),
			))
			return nil
		},
		After: func(*cli.Context) error {
			if o.logger != nil {
				o.logger.Sync()
			}
			return nil
		},
	}
}

func Run(ctx context.Context, args []string) error {
	return Instance().RunContext(ctx, args)
}

// connect fills missing credentials from the auth file and connects. An
// absent default auth file is not an error; an absent explicit one is.
func (o *options) connect(ctx context.Context) (*client.Client, error) {
	cfg := o.cfg
	if cfg.Username == "" || cfg.Password == "" {
		path, explicit := o.authFile, o.authFile != ""
		if !explicit {
			var err error
			if path, err = config.DefaultAuthFile(); err != nil {
				return nil, err
			}
		}
		err := cfg.ApplyAuthFile(path)
		if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
			return nil, err
		}
	}

	c, err := client.New(cfg, client.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

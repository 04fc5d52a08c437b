package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/latoulicious/voiceloop/internal/config"
	"github.com/latoulicious/voiceloop/internal/handlers"
	"github.com/latoulicious/voiceloop/internal/keeper"
	"github.com/latoulicious/voiceloop/internal/presence"
	"github.com/latoulicious/voiceloop/pkg/common"
	"github.com/latoulicious/voiceloop/pkg/cron"
)

func main() {
	app := &cli.Command{
		Name:  "voiceloop",
		Usage: "Stay in one voice channel and loop a local audio file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (.json, .jsonc, .toml, .yaml)",
				Value:   config.DefaultPath,
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Path to a .env file loaded before environment overrides",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log_level (debug, info, warn, error)",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal("application error", "err", err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := common.NewLogger(os.Stderr, cmd.String("log-level"))
	configPath := cmd.String("config")

	if err := config.LoadEnvFile(cmd.String("env-file")); err != nil {
		logger.Error("failed to load env file", "err", err)
		return cli.Exit("", 1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "err", err)
		return cli.Exit("", 1)
	}
	if !cmd.IsSet("log-level") {
		logger.SetLevel(common.ParseLevel(cfg.LogLevel))
	}
	for _, note := range cfg.Notes {
		logger.Warn(note)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dg, err := discordgo.New(cfg.AuthToken())
	if err != nil {
		logger.Error("failed to create Discord session", "err", err)
		return cli.Exit("", 1)
	}

	opts := []keeper.Option{keeper.WithLogger(common.Component(logger, "keeper"))}
	if cfg.ShowActivity {
		pm := presence.NewPresenceManager(dg, common.Component(logger, "presence"))
		opts = append(opts, keeper.WithActivity(pm.UpdateListening))
	}
	k := keeper.New(cfg, common.NewGateway(dg), opts...)
	handlers.Register(dg, k)

	runDone := make(chan error, 1)
	go func() { runDone <- k.Run(ctx) }()

	err = handlers.Login(ctx, dg, handlers.LoginOptions{
		ExitOnFailure: cfg.ExitOnLoginFailure,
		Logger:        common.Component(logger, "gateway"),
	})
	if err != nil {
		stop()
		<-runDone
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("giving up on login", "err", err)
		return cli.Exit("", 1)
	}

	if cfg.WatchdogSchedule != "" {
		wd, err := cron.NewWatchdog(cfg.WatchdogSchedule, k.CheckHealth, common.Component(logger, "watchdog"))
		if err != nil {
			logger.Error("failed to start watchdog", "err", err)
		} else {
			wd.Start()
			defer wd.Stop()
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("running, press CTRL-C to exit")
	for {
		select {
		case <-hup:
			reloadVolume(ctx, k, configPath, logger)
		case <-ctx.Done():
			logger.Info("shutting down")
			<-runDone
			// A join still in flight at shutdown never reaches the keeper.
			if err := common.DisconnectFromVoiceChannel(dg, cfg.GuildID); err != nil {
				logger.Warn("voice disconnect failed", "err", err)
			}
			if err := dg.Close(); err != nil {
				logger.Warn("failed to close Discord session", "err", err)
			}
			return nil
		}
	}
}

// reloadVolume re-reads the config file and applies its volume to the
// running stream. Other fields need a restart.
func reloadVolume(ctx context.Context, k *keeper.Keeper, path string, logger *log.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Warn("reload failed, keeping current settings", "path", path, "err", err)
		return
	}
	for _, note := range cfg.Notes {
		logger.Warn(note)
	}
	k.SetVolume(cfg.Volume)

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	snap, err := k.Snapshot(sctx)
	if err != nil {
		return
	}
	logger.Info("volume reloaded",
		"volume", snap.Volume,
		"channel", snap.ChannelID,
		"session", snap.SessionID,
		"playback", snap.Playback,
	)
}

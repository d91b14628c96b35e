package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bavix/nestbridge/internal/adminhttp"
	"github.com/bavix/nestbridge/internal/bridge"
	"github.com/bavix/nestbridge/internal/config"
	"github.com/bavix/nestbridge/internal/kv"
	"github.com/bavix/nestbridge/internal/metrics"
	"github.com/bavix/nestbridge/internal/version"
	"github.com/bavix/nestbridge/internal/watcher"
	"github.com/bavix/nestbridge/internal/webhook"
)

var noWatch bool //nolint:gochecknoglobals // cobra command flag

func newRunCmd() *cobra.Command { //nolint:cyclop,funlen
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			// Log version information at startup
			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("nestbridge starting")

			path := configPath()

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			metrics.RegisterCollectors()
			metrics.SetService(cfg.AppName)
			metrics.BindService()
			log.Info().Str("config", path).Msg("starting")

			for _, problem := range cfg.Problems() {
				log.Warn().Msg(problem)
			}

			store, closeStore, err := kv.Open(cfg.Storage)
			if err != nil {
				return err
			}

			defer func() { _ = closeStore() }()

			group, gctx := errgroup.WithContext(ctx)

			hub := adminhttp.NewHub()

			b, err := bridge.New(gctx, bridge.Options{
				Config: cfg,
				Store:  store,
				Host:   bridge.Hosts{bridge.LogHost{Log: *log}, hub},
				Logger: *log,
			})
			if err != nil {
				return err
			}

			var admin *adminhttp.Server

			if cfg.HTTP.Enabled {
				hook := webhook.New(b, webhook.Options{
					RPS:    float64(cfg.HTTP.WebhookRPS),
					Burst:  cfg.HTTP.WebhookBurst,
					Logger: *log,
				})

				admin, err = adminhttp.NewServer(cfg, b, hub, hook)
				if err != nil {
					return err
				}

				admin.SetVersion(version.GetVersion())

				if err := admin.Start(gctx); err != nil {
					return err
				}
			}

			if !noWatch {
				w, err := watcher.New(path, 0)
				if err != nil {
					return err
				}

				w.OnChange(func(p string) {
					next, err := config.Load(p)
					if err != nil {
						log.Warn().Err(err).Str("config", p).Msg("config reload rejected")

						return
					}

					b.Reconfigure(next)

					if admin != nil {
						admin.SetConfig(next)
					}
				})

				group.Go(func() error {
					w.Run(gctx)

					return nil
				})
			}

			group.Go(func() error { return b.Run(gctx) })

			return group.Wait()
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")

	return cmd
}

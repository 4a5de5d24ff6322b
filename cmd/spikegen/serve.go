package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spikegen/internal/api"
	"github.com/samcharles93/spikegen/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
	)

	flags := append(outputFlags(), backendFlags()...)
	flags = append(flags, driverFlags()...)
	flags = append(flags, storeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "generate requests per second (0 disables the limit)",
			Value:       1,
			Destination: &rateLimit,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr, &rateLimit)
			log := logger.FromContext(ctx)

			prefs, err := preferences()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			svc, cleanup, err := newService(ctx, "api", true)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer cleanup()

			server := api.NewServer(svc, svc.Store, api.Config{
				OutDir:      resolveServeOutDir(outDir),
				Preferences: prefs,
				RateLimit:   rateLimit,
				Log:         log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "out_dir", resolveServeOutDir(outDir))
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

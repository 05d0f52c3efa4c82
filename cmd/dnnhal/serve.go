package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dnnhal/internal/api"
	"github.com/samcharles93/dnnhal/internal/driver"
	"github.com/samcharles93/dnnhal/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		opts        driverOptions
		addr        string
		readTimeout time.Duration
		history     int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the driver over HTTP",
		Flags: append(opts.flags(),
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
			&cli.Int64Flag{
				Name:        "history",
				Usage:       "finished executions kept for polling",
				Value:       256,
				Destination: &history,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyDriverConfig(cmd, cfg, &opts)
			applyServeConfig(cmd, cfg, &addr, &readTimeout, &history)

			dcfg, err := opts.config()
			if err != nil {
				return err
			}
			d := driver.New(dcfg, log)
			defer d.Close()

			server := api.NewServer(d, api.NewExecutionStore(int(history)), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
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

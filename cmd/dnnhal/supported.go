package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dnnhal/internal/driver"
	"github.com/samcharles93/dnnhal/internal/logger"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

func supportedCmd() *cli.Command {
	var (
		opts      driverOptions
		modelPath string
		explain   bool
		asJSON    bool
	)

	return &cli.Command{
		Name:  "supported",
		Usage: "Report which operations of a model the driver accepts",
		Flags: append(opts.flags(),
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a JSON model",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.BoolFlag{
				Name:        "explain",
				Usage:       "print why each rejected operation was rejected",
				Destination: &explain,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a table",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDriverConfig(cmd, LoadConfig(), &opts)
			cfg, err := opts.config()
			if err != nil {
				return err
			}

			m, closer, err := loadModel(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer closer.Close()

			d := driver.New(cfg, log)
			defer d.Close()

			status, supported := d.GetSupportedOperations(m)
			var reasons map[int]string
			if status == nnapi.StatusNone && explain {
				if reasons, err = d.Explain(m); err != nil {
					return err
				}
			}

			if asJSON {
				err = nnapi.Encode(os.Stdout, map[string]any{
					"status":    status.String(),
					"supported": supported,
					"reasons":   reasons,
				})
			} else {
				printSupport(os.Stdout, m, supported, reasons)
			}
			if err != nil {
				return err
			}
			if status != nnapi.StatusNone {
				return cli.Exit(fmt.Sprintf("error: model rejected with %s", status), 1)
			}
			return nil
		},
	}
}

func printSupport(w io.Writer, m *nnapi.Model, supported []bool, reasons map[int]string) {
	n := 0
	for i, op := range m.Operations {
		mark := "no"
		if i < len(supported) && supported[i] {
			mark = "yes"
			n++
		}
		if r, ok := reasons[i]; ok {
			_, _ = fmt.Fprintf(w, "  %3d  %-28s %-4s %s\n", i, op.Type, mark, r)
		} else {
			_, _ = fmt.Fprintf(w, "  %3d  %-28s %s\n", i, op.Type, mark)
		}
	}
	_, _ = fmt.Fprintf(w, "\n%d of %d operation(s) supported\n", n, len(m.Operations))
}

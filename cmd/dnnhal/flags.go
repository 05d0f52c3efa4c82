package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dnnhal/internal/driver"
	"github.com/samcharles93/dnnhal/internal/prepared"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// driverOptions collects the flags shared by every command that builds a
// driver.
type driverOptions struct {
	workers       int64
	queueDepth    int64
	kernelThreads int64
	quant         string
}

func (o *driverOptions) flags() []cli.Flag {
	def := driver.DefaultConfig()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "executions running at once",
			Value:       int64(def.Workers),
			Destination: &o.workers,
		},
		&cli.Int64Flag{
			Name:        "queue-depth",
			Usage:       "executions waiting for a worker before new ones are refused",
			Value:       int64(def.QueueDepth),
			Destination: &o.queueDepth,
		},
		&cli.Int64Flag{
			Name:        "kernel-threads",
			Usage:       "threads inside one kernel (0 = GOMAXPROCS)",
			Destination: &o.kernelThreads,
		},
		&cli.StringFlag{
			Name:        "quantization",
			Aliases:     []string{"quant"},
			Usage:       "quantized operand handling (disabled, zero-point)",
			Value:       def.Quant.String(),
			Destination: &o.quant,
		},
	}
}

func (o *driverOptions) config() (driver.Config, error) {
	q, err := prepared.ParseQuantMode(o.quant)
	if err != nil {
		return driver.Config{}, fmt.Errorf("--quantization: %w", err)
	}
	return driver.Config{
		Workers:       int(o.workers),
		QueueDepth:    int(o.queueDepth),
		KernelThreads: int(o.kernelThreads),
		Quant:         q,
	}, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dnnhal/internal/driver"
	"github.com/samcharles93/dnnhal/internal/logger"
	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/internal/prepared"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

func runCmd() *cli.Command {
	var (
		opts        driverOptions
		modelPath   string
		requestPath string
		inputs      []string
		outputs     []string
		repeat      int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Prepare a model and execute it",
		Flags: append(opts.flags(),
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a JSON model",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.StringSliceFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "raw bytes of one model input, in input order",
				Destination: &inputs,
			},
			&cli.StringSliceFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "file receiving the raw bytes of one model output, in output order",
				Destination: &outputs,
			},
			&cli.StringFlag{
				Name:        "request",
				Usage:       "JSON request with its own pools, used instead of --input",
				Destination: &requestPath,
			},
			&cli.Int64Flag{
				Name:        "repeat",
				Usage:       "number of executions",
				Value:       1,
				Destination: &repeat,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDriverConfig(cmd, LoadConfig(), &opts)
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if requestPath != "" && len(inputs) > 0 {
				return cli.Exit("error: --request and --input are mutually exclusive", 1)
			}

			m, closer, err := loadModel(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer closer.Close()

			d := driver.New(cfg, log)
			defer d.Close()

			start := time.Now()
			id, err := d.PrepareModel(ctx, m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: prepare: %v (%s)", err, driver.StatusOf(err)), 1)
			}
			log.Info("model prepared", "model", id, "elapsed", time.Since(start))

			ex := execution{driver: d, id: id, repeat: max(int(repeat), 1), log: log}
			if requestPath != "" {
				return ex.request(ctx, requestPath, os.Stdout)
			}
			return ex.files(ctx, inputs, outputs, os.Stdout)
		},
	}
}

type execution struct {
	driver *driver.Driver
	id     string
	repeat int
	log    logger.Logger
}

func (e execution) run(ctx context.Context, req *nnapi.Request) error {
	var total time.Duration
	for i := range e.repeat {
		start := time.Now()
		if status := e.driver.ExecuteSync(ctx, e.id, req); status != nnapi.StatusNone {
			return cli.Exit(fmt.Sprintf("error: execution %d failed with %s", i, status), 1)
		}
		total += time.Since(start)
	}
	e.log.Info("executed", "runs", e.repeat, "mean", total/time.Duration(e.repeat))
	return nil
}

// files executes with inputs read from files and writes every output to
// the matching --output file, or prints it when none is given.
func (e execution) files(ctx context.Context, inputPaths, outputPaths []string, w io.Writer) error {
	inputs, outputs, err := e.driver.Signature(e.id)
	if err != nil {
		return err
	}
	if len(inputPaths) != len(inputs) {
		return cli.Exit(fmt.Sprintf("error: model has %d input(s), got %d --input", len(inputs), len(inputPaths)), 1)
	}
	if len(outputPaths) > len(outputs) {
		return cli.Exit(fmt.Sprintf("error: model has %d output(s), got %d --output", len(outputs), len(outputPaths)), 1)
	}

	layout := prepared.NewRequestLayout(inputs, outputs)
	anon, err := mempool.NewAnonymous("dnnhal-run", max(layout.Size, 1))
	if err != nil {
		return err
	}
	defer anon.Close()
	for i, path := range inputPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if len(data) != inputs[i].Bytes {
			return cli.Exit(fmt.Sprintf("error: %s has %d bytes, input %d needs %d", path, len(data), i, inputs[i].Bytes), 1)
		}
		copy(anon.Bytes()[layout.Inputs[i]:], data)
	}

	if err := e.run(ctx, layout.Request(inputs, outputs, anon.Memory())); err != nil {
		return err
	}

	for i, t := range outputs {
		data := anon.Bytes()[layout.Outputs[i] : layout.Outputs[i]+t.Bytes]
		if i < len(outputPaths) {
			if err := os.WriteFile(outputPaths[i], data, 0o644); err != nil {
				return err
			}
			continue
		}
		printOutput(w, i, t.Type, t.Dims, data)
	}
	return nil
}

// request executes a JSON request whose pools are given inline or as
// files, then prints every output it wrote.
func (e execution) request(ctx context.Context, path string, w io.Writer) error {
	req, err := nnapi.ReadRequestFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	resolvePoolPaths(req.Pools, filepath.Dir(path))
	mems, closer, err := mempool.Materialize(req.Pools)
	if err != nil {
		return err
	}
	defer closer.Close()
	req.Pools = mems

	if err := e.run(ctx, req); err != nil {
		return err
	}

	_, outputs, err := e.driver.Signature(e.id)
	if err != nil {
		return err
	}
	pools, err := mempool.MapAll(mems)
	if err != nil {
		return err
	}
	defer pools.Close()
	for i, arg := range req.Outputs {
		if arg.HasNoValue {
			continue
		}
		data, err := pools.Region(arg.Location.PoolIndex, arg.Location.Offset, uint32(outputs[i].Bytes))
		if err != nil {
			return err
		}
		printOutput(w, i, outputs[i].Type, outputs[i].Dims, data)
	}
	return nil
}

func printOutput(w io.Writer, i int, typ nnapi.OperandType, dims []int, data []byte) {
	if typ == nnapi.TensorFloat32 {
		_, _ = fmt.Fprintf(w, "output %d %s %v: %v\n", i, typ, dims, nnapi.DecodeFloat32s(data))
		return
	}
	_, _ = fmt.Fprintf(w, "output %d %s %v: %v\n", i, typ, dims, data)
}

// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/docflow"
	"github.com/poiesic/docflow/config"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/notify"
	"github.com/poiesic/docflow/server"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docflow",
		Usage: "Asynchronous document indexing pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				EnvVars: []string{"DOCFLOW_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (text, json)",
				Value: "text",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the pipeline and the HTTP API",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides configuration)",
					},
				},
			},
			{
				Name:      "submit",
				Usage:     "Queue a file for indexing by a later or running serve",
				ArgsUsage: "<file>",
				Action:    submitCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dataset",
						Aliases:  []string{"d"},
						Usage:    "Dataset the document belongs to",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Document name (defaults to the file name)",
					},
				},
			},
			{
				Name:      "process",
				Usage:     "Index one file in-process and wait for it to finish",
				ArgsUsage: "<file>",
				Action:    processCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dataset",
						Aliases:  []string{"d"},
						Usage:    "Dataset the document belongs to",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Document name (defaults to the file name)",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Give up after this long",
						Value: 30 * time.Minute,
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show a document and its jobs",
				ArgsUsage: "<document-id>",
				Action:    statusCommand,
			},
			{
				Name:      "reset",
				Usage:     "Return a document to waiting",
				ArgsUsage: "<document-id>",
				Action:    resetCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "restart",
						Usage: "Queue the parse stage after resetting",
					},
				},
			},
			{
				Name:      "resolve",
				Usage:     "Resolve entity names to canonical entities",
				ArgsUsage: "<name>...",
				Action:    resolveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dataset",
						Aliases:  []string{"d"},
						Usage:    "Dataset to resolve in",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "type",
						Aliases:  []string{"t"},
						Usage:    "Entity type",
						Required: true,
					},
				},
			},
		},
	}
}

func openPipeline(c *cli.Context) (*config.File, *docflow.Pipeline, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	p, err := docflow.Open(c.Context, cfg, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pipeline: %w", err)
	}
	return cfg, p, nil
}

func serveCommand(c *cli.Context) error {
	cfg, p, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	addr := cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(p, server.WithLogger(slog.Default()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, addr, cfg.Server.ShutdownTimeout) })

	slog.Info("docflow started", "addr", addr, "storage", cfg.Storage.Driver)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("docflow stopped")
	return err
}

// sourceArg resolves the file argument and the document name.
func sourceArg(c *cli.Context) (path, name string, err error) {
	if c.NArg() != 1 {
		return "", "", fmt.Errorf("expected exactly one file argument")
	}
	path, err = filepath.Abs(c.Args().First())
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", "", err
	}
	name = c.String("name")
	if name == "" {
		name = filepath.Base(path)
	}
	return path, name, nil
}

func submitCommand(c *cli.Context) error {
	path, name, err := sourceArg(c)
	if err != nil {
		return err
	}
	_, p, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	doc, err := p.Submit(c.Context, c.String("dataset"), name, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Submitted %s as %s\n", name, doc.ID)
	return nil
}

func processCommand(c *cli.Context) error {
	path, name, err := sourceArg(c)
	if err != nil {
		return err
	}

	_, p, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	events := notify.NewChanHandle(64)
	defer events.Close()
	if err := p.Subscribe(ctx, "cli", events); err != nil {
		return err
	}

	doc, err := p.Submit(ctx, c.String("dataset"), name, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Submitted %s as %s\n", name, doc.ID)

	doc, err = waitForDocument(ctx, p, doc.ID, events, c.App.Writer)
	cancel()
	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) && !errors.Is(rerr, context.DeadlineExceeded) {
		slog.Warn("pipeline stopped with error", "error", rerr)
	}
	if err != nil {
		return err
	}
	printDocument(c.App.Writer, doc, nil)
	if doc.Status == core.StatusError {
		return fmt.Errorf("document failed: %s", doc.Error)
	}
	return nil
}

// waitForDocument prints stage changes for id until it reaches a terminal
// status.
func waitForDocument(ctx context.Context, p *docflow.Pipeline, id string, events *notify.ChanHandle, out io.Writer) (*core.Document, error) {
	var last core.DocumentStatus
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		doc, err := p.Document(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.Status != last {
			fmt.Fprintf(out, "  %s\n", doc.Status)
			last = doc.Status
		}
		if doc.Status.IsTerminal() {
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-events.Events():
		case <-ticker.C:
		}
	}
}

func statusCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected a document ID")
	}
	_, p, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	doc, err := p.Document(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	jobs, err := p.Jobs(c.Context, doc.ID)
	if err != nil {
		return err
	}
	printDocument(c.App.Writer, doc, jobs)
	return nil
}

func resetCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected a document ID")
	}
	_, p, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	doc, err := p.Reset(c.Context, c.Args().First(), c.Bool("restart"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Document %s reset to %s\n", doc.ID, doc.Status)
	return nil
}

func resolveCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("expected at least one name")
	}
	_, p, err := openPipeline(c)
	if err != nil {
		return err
	}
	defer p.Close()

	mentions := make([]core.Mention, c.NArg())
	for i, name := range c.Args().Slice() {
		mentions[i] = core.Mention{DatasetID: c.String("dataset"), EntityType: c.String("type"), RawName: name}
	}
	results, err := p.Resolve(c.Context, mentions)
	for i, res := range results {
		if res.EntityID == "" {
			continue
		}
		fmt.Fprintf(c.App.Writer, "%q -> %s (%s, %s, %.2f)\n",
			mentions[i].RawName, res.CanonicalName, res.EntityID, res.Method, res.Confidence)
	}
	return err
}

func printDocument(w io.Writer, doc *core.Document, jobs []*core.Job) {
	fmt.Fprintf(w, "Document:  %s (%s)\n", doc.ID, doc.Name)
	fmt.Fprintf(w, "Dataset:   %s\n", doc.DatasetID)
	fmt.Fprintf(w, "Status:    %s\n", doc.Status)
	if doc.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", doc.Error)
	}
	fmt.Fprintf(w, "Retries:   %d\n", doc.RetryCount)
	for _, stage := range core.Stages {
		sm, ok := doc.Metadata[stage]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-17s %3d%%", stage, sm.Progress)
		if sm.LastError != "" {
			fmt.Fprintf(w, "  last error: %s", sm.LastError)
		}
		fmt.Fprintln(w)
	}
	for _, job := range jobs {
		fmt.Fprintf(w, "  job %s %-17s %-9s attempts=%d\n", job.ID, job.Stage, job.Status, job.Attempts)
	}
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(c.String("log-format")) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", c.String("log-format"))
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Command layerbuild runs a declarative recipe through the deterministic
// environment build engine and reports per-step cache telemetry.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/layerbuild/layerbuild/pkg/engine"
	"github.com/layerbuild/layerbuild/pkg/imageref"
	"github.com/layerbuild/layerbuild/pkg/layercache"
	"github.com/layerbuild/layerbuild/pkg/planfile"
)

var (
	planPath   string
	sourceDir  string
	imageDir   string
	cacheDir   string
	cmdTimeout time.Duration
	verbose    bool
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "layerbuild [subcommand]",
	Short: "Deterministic environment build engine",
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Execute a build recipe against the layer cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		source := osfs.New(sourceDir)
		steps, err := planfile.LoadFile(source, planPath)
		if err != nil {
			return errors.Wrap(err, "loading recipe")
		}
		var cache layercache.Cache = layercache.NewMemoryCache()
		if cacheDir != "" {
			if err := os.MkdirAll(cacheDir, 0o755); err != nil {
				return errors.Wrap(err, "creating cache dir")
			}
			cache = layercache.NewTieredCache(layercache.NewMemoryCache(), layercache.NewFilesystemCache(osfs.New(cacheDir)))
		}
		var images engine.BaseImageResolver
		if imageDir != "" {
			images = imageref.NewFilesystemResolver(osfs.New(imageDir))
		}
		service, err := engine.NewService(engine.ServiceConfig{
			Cache:          cache,
			Images:         images,
			Runner:         engine.NewExecRunner(""),
			Source:         source,
			CommandTimeout: cmdTimeout,
		})
		if err != nil {
			return errors.Wrap(err, "configuring engine")
		}
		bar := pb.StartNew(len(steps))
		bar.Output = cmd.ErrOrStderr()
		opts := engine.StartOptions{
			BuildID: uuid.NewString(),
			OnStep:  func(engine.StepOutcome) { bar.Increment() },
		}
		if verbose {
			opts.Output = cmd.ErrOrStderr()
		}
		handle, err := service.Start(cmd.Context(), steps, opts)
		if err != nil {
			return errors.Wrap(err, "starting build")
		}
		result, err := handle.Wait(cmd.Context())
		bar.Finish()
		if err != nil {
			return errors.Wrap(err, "awaiting build")
		}
		report(cmd, handle.BuildID(), result)
		if result.State != engine.StateSucceeded {
			return errors.Wrap(result.Err, "build failed")
		}
		return nil
	},
}

func report(cmd *cobra.Command, buildID string, result engine.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "build %s: %s\n", buildID, result.State)
	for i, step := range result.Steps {
		status := yellow("executed")
		if step.Cached {
			status = green("reused")
		}
		if step.Err != nil {
			status = red("failed")
		}
		fmt.Fprintf(out, "  step %d  %s  %s  %s\n", i, step.Fingerprint, status, step.Duration.Round(time.Millisecond))
		if step.Err != nil {
			fmt.Fprintf(out, "    %v\n", step.Err)
			var execErr *engine.ExecutionError
			if errors.As(step.Err, &execErr) && len(execErr.Output) > 0 {
				fmt.Fprintf(out, "    output:\n%s\n", execErr.Output)
			}
		}
	}
	if result.State == engine.StateSucceeded {
		fmt.Fprintf(out, "final layer digest: %s\n", result.Final.Digest())
	}
}

func init() {
	buildCmd.Flags().StringVarP(&planPath, "plan", "f", "layerbuild.yaml", "recipe file, relative to --source")
	buildCmd.Flags().StringVar(&sourceDir, "source", ".", "source root for copy sources and declared inputs")
	buildCmd.Flags().StringVar(&imageDir, "image-root", "", "directory containing materialized base images")
	buildCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "durable layer cache directory (in-memory only when empty)")
	buildCmd.Flags().DurationVar(&cmdTimeout, "command-timeout", 10*time.Minute, "bound on each run step")
	buildCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print command output to stderr")
	rootCmd.AddCommand(buildCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

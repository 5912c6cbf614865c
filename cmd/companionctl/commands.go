package main

import (
	"companion-rpc/client"
	"companion-rpc/stub"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List the calls the client exposes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			return c.Calls().Names(), nil
		})
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the companion's targets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			return c.Surface().ListTargets(ctx)
		})
	},
}

var describeDiagnostics bool

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Describe the selected target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			return c.Surface().Describe(ctx, describeDiagnostics)
		})
	},
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List installed apps on the selected target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			return c.Surface().ListApps(ctx)
		})
	},
}

var launchFlags struct {
	foreground bool
	wait       bool
	env        map[string]string
}

var launchCmd = &cobra.Command{
	Use:   "launch <bundle-id> [app-args...]",
	Short: "Launch an app on the selected target",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			return c.Surface().Launch(ctx, &stub.LaunchRequest{
				BundleID:            args[0],
				Args:                args[1:],
				Env:                 launchFlags.env,
				ForegroundIfRunning: launchFlags.foreground,
				WaitForDebugger:     launchFlags.wait,
			})
		})
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <bundle-id>",
	Short: "Terminate a running app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			return nil, c.Surface().Terminate(ctx, args[0])
		})
	},
}

var screenshotOut string

var screenshotCmd = &cobra.Command{
	Use:   "screenshot",
	Short: "Save a screenshot of the selected target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			shot, err := c.Surface().Screenshot(ctx)
			if err != nil {
				return nil, err
			}
			path := screenshotOut
			if path == "" {
				path = "screenshot." + shot.ImageFormat
			}
			if err := os.WriteFile(path, shot.ImageData, 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "bytes": len(shot.ImageData)}, nil
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <name> [json-args]",
	Short: "Run any call by name with raw JSON arguments",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var callArgs any
		if len(args) == 2 {
			raw := json.RawMessage(args[1])
			if !json.Valid(raw) {
				return errors.New("arguments are not valid JSON")
			}
			callArgs = raw
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) (any, error) {
			var reply json.RawMessage
			if err := c.Invoke(ctx, args[0], callArgs, &reply); err != nil {
				return nil, fmt.Errorf("%s: %w", args[0], err)
			}
			if len(reply) == 0 {
				return nil, nil
			}
			return reply, nil
		})
	},
}

func init() {
	describeCmd.Flags().BoolVar(&describeDiagnostics, "diagnostics", false, "include diagnostics")
	launchCmd.Flags().BoolVarP(&launchFlags.foreground, "foreground-if-running", "f", false, "bring the app forward if it is already running")
	launchCmd.Flags().BoolVarP(&launchFlags.wait, "wait-for-debugger", "w", false, "suspend the app until a debugger attaches")
	launchCmd.Flags().StringToStringVar(&launchFlags.env, "env", nil, "environment for the app (KEY=VALUE)")
	screenshotCmd.Flags().StringVarP(&screenshotOut, "out", "o", "", "output file (default screenshot.<format>)")
}

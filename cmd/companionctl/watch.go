package main

import (
	"companion-rpc/registry"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the companions registered for the target",
	Long: `watch prints the companions serving --udid, then prints the list again
every time the registry changes, until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Registry.Endpoints) == 0 || cfg.UDID == nil {
			return errors.New("watch needs registry endpoints and --udid")
		}
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watchTarget(ctx, reg, *cfg.UDID, cmd.OutOrStdout())
	},
}

type targetCompanions struct {
	UDID      string              `json:"udid"`
	Instances []registry.Instance `json:"instances"`
}

// watchTarget writes one JSON line per instance list until ctx is done.
func watchTarget(ctx context.Context, reg registry.Registry, udid string, out io.Writer) error {
	// Subscribe before the first read so no change falls between the two.
	updates := reg.Watch(ctx, udid)
	current, err := reg.Discover(ctx, udid)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	if err := enc.Encode(targetCompanions{UDID: udid, Instances: current}); err != nil {
		return err
	}
	for instances := range updates {
		if err := enc.Encode(targetCompanions{UDID: udid, Instances: instances}); err != nil {
			return err
		}
	}
	return nil
}

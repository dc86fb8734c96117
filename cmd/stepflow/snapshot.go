package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stepflow"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and maintain stored snapshots",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the snapshot stored for an idempotency key or fingerprint",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotGet,
	}
	get.Flags().String("key", "", "Idempotency key or fingerprint the run was stored under (required)")
	_ = get.MarkFlagRequired("key")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the snapshot stored for an idempotency key or fingerprint",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotDelete,
	}
	del.Flags().String("key", "", "Idempotency key or fingerprint the run was stored under (required)")
	_ = del.MarkFlagRequired("key")

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired snapshots from the store",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotCleanup,
	}

	cmd.AddCommand(get, del, cleanup)
	return cmd
}

// withApp loads the config, runs fn against the assembled runtime and
// closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, a)
}

func runSnapshotGet(cmd *cobra.Command, _ []string) error {
	fingerprint, _ := cmd.Flags().GetString("key")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		key := stepflow.SnapshotKey(a.cfg.Pipeline.KeyPrefix, fingerprint)
		data, err := a.store.Get(ctx, key)
		if errors.Is(err, stepflow.ErrSnapshotNotFound) {
			return fmt.Errorf("no snapshot stored under %q", key)
		}
		if err != nil {
			return err
		}
		snap, err := stepflow.DecodeSnapshot(data)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	})
}

func runSnapshotDelete(cmd *cobra.Command, _ []string) error {
	fingerprint, _ := cmd.Flags().GetString("key")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		key := stepflow.SnapshotKey(a.cfg.Pipeline.KeyPrefix, fingerprint)
		if err := a.store.Delete(ctx, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
		return nil
	})
}

func runSnapshotCleanup(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		n, err := a.store.Cleanup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired snapshots\n", n)
		return nil
	})
}

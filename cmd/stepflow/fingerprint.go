package main

import (
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/stepflow"
	"github.com/spf13/cobra"
)

func newFingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint <pipeline> <request-json>",
		Short: "Print the fingerprint and snapshot key of a request",
		Long: `Computes the keyed request fingerprint exactly as a pipeline does, using
the HMAC key and key prefix from the config.`,
		Args: cobra.ExactArgs(2),
		RunE: runFingerprint,
	}
	cmd.Flags().Bool("show-input", false, "Also print the canonical bytes that are signed")
	return cmd
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pipeline := args[0]

	var request any
	if err := json.Unmarshal([]byte(args[1]), &request); err != nil {
		return fmt.Errorf("request is not valid JSON: %w", err)
	}

	fp, err := stepflow.NewHMACHasher(cfg.Pipeline.HMACKey).Fingerprint(pipeline, request)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "fingerprint: %s\n", fp)
	fmt.Fprintf(out, "key:         %s\n", stepflow.SnapshotKey(cfg.Pipeline.KeyPrefix, fp))

	if show, _ := cmd.Flags().GetBool("show-input"); show {
		input, err := stepflow.FingerprintInput(pipeline, request)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "input:       %s\n", input)
	}
	return nil
}

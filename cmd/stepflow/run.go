package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/GoCodeAlone/stepflow"
	"github.com/GoCodeAlone/stepflow/example/account"
	"github.com/GoCodeAlone/stepflow/scale"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Scenario is a batch of account operations. Accounts are opened first;
// deposits then refer to an account by the key it was opened with.
type Scenario struct {
	Blocked  []string       `yaml:"blocked,omitempty"`
	Accounts []OpenEntry    `yaml:"accounts"`
	Deposits []DepositEntry `yaml:"deposits,omitempty"`
}

type OpenEntry struct {
	Key            string `yaml:"key"`
	Owner          string `yaml:"owner"`
	Currency       string `yaml:"currency"`
	InitialDeposit int64  `yaml:"initialDeposit,omitempty"`
}

type DepositEntry struct {
	Key     string `yaml:"key"`
	Account string `yaml:"account"`
	Amount  int64  `yaml:"amount"`
}

// RunReport is the JSON written by the run command.
type RunReport struct {
	Accounts []EntryReport `json:"accounts"`
	Deposits []EntryReport `json:"deposits,omitempty"`
}

type EntryReport struct {
	Key        string           `json:"key"`
	Pipeline   string           `json:"pipeline"`
	Result     *stepflow.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"durationMs"`
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Execute a scenario of account openings and deposits",
		Args:  cobra.ExactArgs(1),
		RunE:  runScenario,
	}
	cmd.Flags().IntP("concurrency", "n", 4, "Maximum pipelines in flight")
	cmd.Flags().Int64("max-balance", account.DefaultMaxBalance, "Balance limit enforced by the pipelines")
	cmd.Flags().String("metrics-out", "", "Write Prometheus metrics to this file after the run (- for stderr)")
	return cmd
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	return &sc, nil
}

func runScenario(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	maxBalance, _ := cmd.Flags().GetInt64("max-balance")
	metricsOut, _ := cmd.Flags().GetString("metrics-out")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc, err := loadScenario(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	ledger := account.NewLedger()
	for _, owner := range sc.Blocked {
		ledger.Block(owner)
	}
	svc, err := account.NewService(ledger, a.Options()...)
	if err != nil {
		return err
	}
	svc.WithMaxBalance(maxBalance)

	report := executeScenario(ctx, svc, sc, concurrency)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if metricsOut != "" {
		return writeMetricsTo(a, metricsOut, cmd.ErrOrStderr())
	}
	return nil
}

func executeScenario(ctx context.Context, svc *account.Service, sc *Scenario, concurrency int) RunReport {
	opened := scale.RunBatch(ctx, sc.Accounts, concurrency, func(ctx context.Context, job scale.Job[OpenEntry]) (*stepflow.Result, error) {
		e := job.Input
		return svc.Open(ctx, account.OpenRequest{
			Owner:          e.Owner,
			Currency:       e.Currency,
			InitialDeposit: e.InitialDeposit,
		}, e.Key)
	})

	var report RunReport
	ids := make(map[string]string, len(opened))
	for _, r := range opened {
		entry := sc.Accounts[r.Index]
		report.Accounts = append(report.Accounts, entryReport(entry.Key, account.OpenPipeline, r))
		if r.Err == nil && r.Output.IsSuccess() {
			if resp, ok := r.Output.Payload.(account.OpenResponse); ok {
				ids[entry.Key] = resp.ID
			}
		}
	}

	deposited := scale.RunBatch(ctx, sc.Deposits, concurrency, func(ctx context.Context, job scale.Job[DepositEntry]) (*stepflow.Result, error) {
		e := job.Input
		// unknown accounts pass through so the pipeline reports the 404
		id, ok := ids[e.Account]
		if !ok {
			id = e.Account
		}
		return svc.Deposit(ctx, account.DepositRequest{AccountID: id, Amount: e.Amount}, e.Key)
	})
	for _, r := range deposited {
		report.Deposits = append(report.Deposits, entryReport(sc.Deposits[r.Index].Key, account.DepositPipeline, r))
	}
	return report
}

func entryReport(key, pipeline string, r scale.JobResult[*stepflow.Result]) EntryReport {
	rep := EntryReport{
		Key:        key,
		Pipeline:   pipeline,
		Result:     r.Output,
		DurationMs: r.Duration.Round(time.Millisecond).Milliseconds(),
	}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	return rep
}

func writeMetricsTo(a *app, path string, stderr io.Writer) error {
	if path == "-" {
		return a.WriteMetrics(stderr)
	}
	f, err := os.Create(path) //nolint:gosec // G304: path supplied by the operator
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if err := a.WriteMetrics(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

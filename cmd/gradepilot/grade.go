package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gradepilot/gradepilot/config"
	"github.com/gradepilot/gradepilot/internal/agent/core"
	"github.com/gradepilot/gradepilot/internal/agent/telemetry"
	"github.com/gradepilot/gradepilot/internal/capability"
	"github.com/gradepilot/gradepilot/internal/grading"
	"github.com/gradepilot/gradepilot/provider"
)

// gradeCMD grades one submission file against a rubric file and prints the
// report as JSON on stdout.
func gradeCMD() *cobra.Command {
	var (
		cfgPath        string
		rubricPath     string
		submissionPath string
		selectedIDs    []string
		maxIterations  int
		timeoutSeconds int
	)
	grade := &cobra.Command{
		Use:   "grade",
		Short: "Grade a submission against a rubric",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			rubricData, err := os.ReadFile(rubricPath)
			if err != nil {
				return fmt.Errorf("read rubric: %w", err)
			}
			doc, err := grading.Parse(rubricData)
			if err != nil {
				return err
			}
			submission, err := os.ReadFile(submissionPath)
			if err != nil {
				return fmt.Errorf("read submission: %w", err)
			}

			registry := capability.NewRegistry()
			if err := grading.RegisterBuiltins(registry); err != nil {
				return err
			}
			llm, err := provider.NewProvider(cfg.LLM)
			if err != nil {
				return err
			}
			var tele *telemetry.Telemetry
			if cfg.Telemetry.Enabled {
				tele = telemetry.NewTelemetry(cfg.Telemetry)
			}
			dispatcher := core.NewDispatcher(registry, llm, tele, log.New(os.Stderr, "[DISPATCH] ", log.LstdFlags))

			opts := core.DispatchOptions{
				MaxIterations: cfg.Grading.MaxIterations,
				Timeout:       cfg.Grading.TimeoutPerItem,
			}
			if maxIterations > 0 {
				opts.MaxIterations = maxIterations
			}
			if timeoutSeconds > 0 {
				opts.Timeout = time.Duration(timeoutSeconds) * time.Second
			}

			items := grading.CoreItems(doc.Select(selectedIDs))
			if len(items) == 0 {
				return fmt.Errorf("no rubric items selected")
			}

			report := dispatcher.Dispatch(context.Background(), items, string(submission), opts)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	grade.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (defaults to ./config)")
	grade.Flags().StringVarP(&rubricPath, "rubric", "r", "", "rubric JSON file")
	grade.Flags().StringVarP(&submissionPath, "submission", "s", "", "submission file")
	grade.Flags().StringSliceVar(&selectedIDs, "items", nil, "rubric item ids to grade (default all)")
	grade.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration cap per rubric item")
	grade.Flags().IntVar(&timeoutSeconds, "timeout", 0, "per-item timeout in seconds")
	_ = grade.MarkFlagRequired("rubric")
	_ = grade.MarkFlagRequired("submission")
	return grade
}

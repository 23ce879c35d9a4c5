package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/schedule"
)

func scheduleCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage workflow schedules",
	}
	cmd.AddCommand(scheduleCreateCmd(flags))
	cmd.AddCommand(scheduleListCmd(flags))
	cmd.AddCommand(scheduleDeleteCmd(flags))
	cmd.AddCommand(scheduleStatsCmd(flags))
	cmd.AddCommand(scheduleImportCmd(flags))
	return cmd
}

func openStore(flags *globalFlags) (*schedule.SQLStore, *config.Config, error) {
	logger := newLogger(flags.logLevel)
	cfg, err := config.NewLoader(logger).LoadFile(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := schedule.Open(cfg.Schedule)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func scheduleCreateCmd(flags *globalFlags) *cobra.Command {
	var (
		workflow string
		expr     string
		creator  string
		inputs   []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Long: `Creates a schedule firing a workflow. The expression is a 5-field cron
line, "@every <duration>", or an RFC3339 timestamp for a one-time run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore(flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown(cmd.Context()) }()
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			if _, ok := cfg.Workflows[workflow]; !ok {
				return fmt.Errorf("%w: workflow %q is not configured", config.ErrInvalidConfig, workflow)
			}
			sched := &schedule.Schedule{
				ID:       uuid.NewString(),
				Creator:  creator,
				Workflow: workflow,
				Expr:     expr,
				Inputs:   parseInputs(inputs),
			}
			if err := store.Create(cmd.Context(), sched); err != nil {
				return err
			}
			fmt.Printf("created schedule %s: %s firing %q next at %s\n",
				sched.ID, sched.Kind, sched.Workflow, sched.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "Workflow to fire")
	cmd.Flags().StringVar(&expr, "expr", "", "Schedule expression")
	cmd.Flags().StringVar(&creator, "creator", "", "Creator the per-creator limit applies to")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Workflow input as key=value, repeatable")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("expr")
	return cmd
}

func scheduleListCmd(flags *globalFlags) *cobra.Command {
	var creator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown(cmd.Context()) }()
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			var schedules []*schedule.Schedule
			if creator != "" {
				schedules, err = store.ByCreator(cmd.Context(), creator)
			} else {
				schedules, err = store.Active(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, s := range schedules {
				next := "-"
				if !s.NextRunAt.IsZero() {
					next = s.NextRunAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  %-9s %-9s %-20s next=%s runs=%d failures=%d\n",
					s.ID, s.Status, s.Kind, s.Workflow, next, s.RunCount, s.FailureCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "List this creator's schedules instead of active ones")
	return cmd
}

func scheduleDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown(cmd.Context()) }()
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted schedule %s\n", args[0])
			return nil
		},
	}
}

func scheduleStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print schedule store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown(cmd.Context()) }()
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total=%d active=%d paused=%d completed=%d failed=%d\n",
				stats.Total, stats.Active, stats.Paused, stats.Completed, stats.Failed)
			return nil
		},
	}
}

func scheduleImportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Bulk-import schedules from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var schedules []*schedule.Schedule
			if err := json.Unmarshal(data, &schedules); err != nil {
				return fmt.Errorf("parse schedules: %w", err)
			}
			for _, s := range schedules {
				if s.ID == "" {
					s.ID = uuid.NewString()
				}
			}
			store, _, err := openStore(flags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown(cmd.Context()) }()
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			if err := store.Import(cmd.Context(), schedules); err != nil {
				return err
			}
			fmt.Printf("imported %d schedule(s)\n", len(schedules))
			return nil
		},
	}
}

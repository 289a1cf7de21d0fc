package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"qms/dispatch-service/internal/models"
)

var (
	queueBranchID string
	queueActorID  string
	queueForce    bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Open, close or reset a branch queue by hand",
}

var queueOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open the branch queue for today",
	RunE:  runQueue("open"),
}

var queueCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the branch queue and settle open tickets",
	RunE:  runQueue("close"),
}

var queueResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Cancel today's waiting tickets and restart numbering",
	RunE:  runQueue("reset"),
}

func init() {
	for _, c := range []*cobra.Command{queueOpenCmd, queueCloseCmd, queueResetCmd} {
		c.Flags().StringVar(&queueBranchID, "branch", "", "branch id")
		_ = c.MarkFlagRequired("branch")
		queueCmd.AddCommand(c)
	}
	queueOpenCmd.Flags().BoolVar(&queueForce, "force", false, "open even on a weekend closure day")
	queueResetCmd.Flags().StringVar(&queueActorID, "actor", models.SystemActorID, "user recorded on cancelled tickets")
}

func runQueue(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		var result any
		switch action {
		case "open":
			result, err = a.engine.OpenQueue(ctx, queueBranchID, queueForce)
		case "close":
			result, err = a.engine.CloseQueue(ctx, queueBranchID)
		case "reset":
			result, err = a.engine.Reset(ctx, queueBranchID, queueActorID)
		}
		if err != nil {
			return fmt.Errorf("queue %s: %w", action, err)
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
}

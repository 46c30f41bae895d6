package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sadopc/doflow/internal/daily"
)

var resetDailyCmd = &cobra.Command{
	Use:   "reset-daily",
	Short: "Mark daily tasks incomplete for a new day",
	Long: `Clears the completed flag on every daily task. Runs at most once per
day unless --force is given.`,
	RunE: runResetDaily,
}

func init() {
	resetDailyCmd.Flags().Bool("force", false, "Reset even if already done today")
}

func runResetDaily(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	var n int
	if force {
		n, err = e.store.ResetDaily(ctx)
	} else {
		n, err = daily.NewResetter(e.store, nil, e.logs.Logger("daily")).RunOnce(ctx)
	}
	if err != nil {
		return err
	}
	if n > 0 {
		e.touch(ctx)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d daily tasks\n", n)
	return nil
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sadopc/doflow/internal/cloudsync"
)

var errSyncOff = errors.New("sync is off; set sync.remote to file or ws in the config")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local data with the configured remote",
	Long: `Compares the local snapshot with the remote document and keeps the newer
one. With --watch it keeps running and syncs on every change.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("watch", false, "Keep syncing until interrupted")
}

func runSync(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")

	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	logger := e.logs.Logger("sync")
	remote, closeRemote, err := e.remote(logger)
	if err != nil {
		return err
	}
	if remote == nil {
		return errSyncOff
	}
	defer closeRemote()

	gateway := cloudsync.New(e.store, remote, cloudsync.Options{Logger: logger})
	if watch {
		fmt.Fprintf(cmd.OutOrStdout(), "Syncing with %s remote every %s (Ctrl-C to stop)\n",
			e.cfg.Sync.Remote, e.cfg.Sync.Interval)
		return gateway.Run(ctx, e.cfg.Sync.Interval)
	}

	res := gateway.Reconcile(ctx)
	fmt.Fprintln(cmd.OutOrStdout(), res)
	return res.Err
}

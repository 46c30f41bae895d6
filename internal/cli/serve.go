package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sadopc/doflow/internal/config"
	"github.com/sadopc/doflow/internal/docserver"
	"github.com/sadopc/doflow/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shared document server for ws sync",
	Long: `Serves one synced document over WebSocket at /ws and a health check at
/health. Devices point sync.url at ws://HOST:PORT/ws.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 8787, "Port to listen on")
	serveCmd.Flags().String("file", "", "Persist the document to this file (default ~/.config/doflow/server.json)")
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	file, _ := cmd.Flags().GetString("file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if file == "" {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		file = filepath.Join(dir, "server.json")
	}

	logs, err := logging.New(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB, Stderr: true})
	if err != nil {
		return err
	}
	defer logs.Close()

	srv, err := docserver.NewServer(&docserver.Config{
		Port:   port,
		File:   file,
		Logger: logs.Logger("docserver"),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Document server on ws://%s/ws (Ctrl-C to stop)\n", srv.Addr())

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()

	return srv.Stop()
}

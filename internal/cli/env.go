package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sadopc/doflow/internal/cloudsync"
	"github.com/sadopc/doflow/internal/config"
	"github.com/sadopc/doflow/internal/logging"
	"github.com/sadopc/doflow/internal/store"
)

// env is what every data command needs: configuration, logs and the store.
type env struct {
	cfg   *config.Config
	logs  *logging.Logs
	store *store.Store
}

// openEnv loads the config and opens the log file and database. Commands
// without a terminal UI pass stderr=true to mirror logs to the console.
func openEnv(stderr bool) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Options{
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
		Stderr:    stderr,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	logs.Logger("store").Printf("opened %s", cfg.DBPath)

	return &env{cfg: cfg, logs: logs, store: st}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logs.Logger("store").Printf("close: %v", err)
	}
	e.logs.Close()
}

// touch stamps local data as modified now, for writes made while no sync
// gateway is running to do it.
func (e *env) touch(ctx context.Context) {
	if err := e.store.SetLastUpdated(ctx, time.Now()); err != nil {
		e.logs.Logger("store").Printf("bump last updated: %v", err)
	}
}

// remote builds the configured sync remote. It returns nil when sync is off.
func (e *env) remote(logger *log.Logger) (cloudsync.Remote, func(), error) {
	switch e.cfg.Sync.Remote {
	case config.RemoteFile:
		return cloudsync.NewFileRemote(e.cfg.Sync.File, logger), func() {}, nil
	case config.RemoteWS:
		r := cloudsync.NewWSRemote(e.cfg.Sync.URL, logger)
		return r, func() { r.Close() }, nil
	case config.RemoteNone, "":
		return nil, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown sync remote %q", e.cfg.Sync.Remote)
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

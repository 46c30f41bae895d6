package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/sadopc/doflow/internal/alarm"
	"github.com/sadopc/doflow/internal/cloudsync"
	"github.com/sadopc/doflow/internal/daily"
	"github.com/sadopc/doflow/internal/store"
	"github.com/sadopc/doflow/internal/timer"
	"github.com/sadopc/doflow/internal/tui"
)

func runTUI(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()
	logger := e.logs.Logger("app")

	al, err := alarm.New(alarm.Options{
		Mode:    alarm.Mode(e.cfg.Alarm.Mode),
		Command: e.cfg.Alarm.Command,
		Repeat:  e.cfg.Alarm.Repeat,
	})
	if err != nil {
		return fmt.Errorf("alarm: %w", err)
	}

	engine := timer.New(e.store, timer.Options{
		Alarm:  al,
		Logger: e.logs.Logger("timer"),
	})
	defer engine.Close()
	engine.FollowStore(ctx, e.store.Subscribe)

	resetter := daily.NewResetter(e.store, nil, e.logs.Logger("daily"))
	if n, err := resetter.RunOnce(ctx); err != nil {
		logger.Printf("daily reset: %v", err)
	} else if n > 0 {
		e.touch(ctx)
	}
	go resetter.Run(ctx)

	current, err := e.store.CurrentCollection(ctx)
	if err != nil {
		logger.Printf("current list: %v", err)
	}
	if err := engine.Begin(ctx, current); err != nil {
		logger.Printf("begin session: %v", err)
	}

	remote, closeRemote, err := e.remote(e.logs.Logger("sync"))
	if err != nil {
		return err
	}
	defer closeRemote()

	var p *tea.Program
	var gateway *cloudsync.Gateway
	var syncNow tui.SyncFunc
	if remote != nil {
		gateway = cloudsync.New(e.store, remote, cloudsync.Options{
			Logger: e.logs.Logger("sync"),
			OnPull: func() {
				if err := engine.Refresh(ctx); err != nil {
					logger.Printf("refresh after pull: %v", err)
				}
				p.Send(tui.DataChangedMsg{})
			},
		})
		syncNow = gateway.Reconcile
	}

	p = tea.NewProgram(tui.NewApp(e.store, engine, syncNow), tea.WithAltScreen(), tea.WithContext(ctx))

	// Store writes happen inside Update, so forwarding must not block the
	// writer.
	changed := make(chan struct{}, 1)
	unsubscribe := e.store.Subscribe(func(store.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if gateway == nil {
					e.touch(ctx)
				}
				p.Send(tui.DataChangedMsg{})
			}
		}
	}()

	if gateway != nil {
		go func() {
			if err := gateway.Run(ctx, e.cfg.Sync.Interval); err != nil {
				logger.Printf("sync stopped: %v", err)
			}
		}()
	}

	logger.Printf("tui start")
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	cancel()
	engine.Stop()
	logger.Printf("tui exit")
	return nil
}

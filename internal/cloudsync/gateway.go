package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

// ErrRemoteRejected marks a remote document that is newer than local data but
// fails validation. It stays rejected until a local edit outdates it.
var ErrRemoteRejected = errors.New("remote document rejected")

// DefaultDebounce delays a push so bursts of local edits travel together.
const DefaultDebounce = 250 * time.Millisecond

// LocalStore is the part of the task store the gateway syncs.
type LocalStore interface {
	ExportSnapshot(ctx context.Context) (store.Snapshot, error)
	ReplaceSnapshot(ctx context.Context, snap store.Snapshot) error
	LastUpdated(ctx context.Context) (time.Time, error)
	SetLastUpdated(ctx context.Context, t time.Time) error
	DeviceID(ctx context.Context) (string, error)
	Subscribe(fn func(store.Change)) func()
}

// Result reports one reconcile.
type Result struct {
	Direction Direction
	Err       error
}

func (r Result) OK() bool { return r.Err == nil }

// Rejected reports whether the remote document could not be applied.
func (r Result) Rejected() bool { return errors.Is(r.Err, ErrRemoteRejected) }

func (r Result) String() string {
	if r.Rejected() {
		return "sync blocked: " + r.Err.Error() + "; edit anything locally to overwrite it"
	}
	if r.Err != nil {
		return "sync failed: " + r.Err.Error()
	}
	switch r.Direction {
	case DirectionPull:
		return "pulled remote changes"
	case DirectionPush:
		return "pushed local changes"
	default:
		return "up to date"
	}
}

type Options struct {
	Logger   *log.Logger
	Now      func() time.Time
	Debounce time.Duration
	// OnPull runs after a remote document replaced local data.
	OnPull func()
}

// Gateway keeps the local store and a Remote in agreement.
type Gateway struct {
	store    LocalStore
	remote   Remote
	logger   *log.Logger
	now      func() time.Time
	debounce time.Duration
	onPull   func()

	mu       sync.Mutex // serializes reconciles
	rejected bool

	dirtyMu sync.Mutex
	dirtyAt time.Time
	dirty   chan struct{}
}

func New(st LocalStore, remote Remote, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Gateway{
		store:    st,
		remote:   remote,
		logger:   opts.Logger,
		now:      opts.Now,
		debounce: opts.Debounce,
		onPull:   opts.OnPull,
		dirty:    make(chan struct{}, 1),
	}
}

// MarkDirty records a local mutation. The local timestamp is bumped to the
// mutation time before the next reconcile.
func (g *Gateway) MarkDirty() {
	g.dirtyMu.Lock()
	g.dirtyAt = g.now()
	g.dirtyMu.Unlock()

	select {
	case g.dirty <- struct{}{}:
	default:
	}
}

func (g *Gateway) flushDirty(ctx context.Context) error {
	g.dirtyMu.Lock()
	at := g.dirtyAt
	g.dirtyAt = time.Time{}
	g.dirtyMu.Unlock()

	if at.IsZero() {
		return nil
	}
	if err := g.store.SetLastUpdated(ctx, at); err != nil {
		g.dirtyMu.Lock()
		if g.dirtyAt.IsZero() {
			g.dirtyAt = at
		}
		g.dirtyMu.Unlock()
		return fmt.Errorf("bump last updated: %w", err)
	}
	return nil
}

// Reconcile compares local and remote and moves the newer one across.
// Failures leave local data untouched.
func (g *Gateway) Reconcile(ctx context.Context) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	res := g.reconcile(ctx)
	switch {
	case res.Rejected():
		if !g.rejected {
			g.logger.Printf("reconcile: %v; keeping local data until a local edit", res.Err)
		}
	case res.Err != nil:
		g.logger.Printf("reconcile: %v", res.Err)
	case res.Direction != DirectionNone:
		g.logger.Printf("reconcile: %s", res.Direction)
	}
	g.rejected = res.Rejected()
	return res
}

func (g *Gateway) reconcile(ctx context.Context) Result {
	if err := g.flushDirty(ctx); err != nil {
		return Result{Err: err}
	}
	local, err := g.localDocument(ctx)
	if err != nil {
		return Result{Err: err}
	}

	remote, err := g.remote.Get(ctx)
	if err != nil {
		return Result{Err: fmt.Errorf("get remote document: %w", err)}
	}

	if remote == nil {
		if local.UpdatedAt.IsZero() {
			local.UpdatedAt = g.now().UTC()
			if err := g.store.SetLastUpdated(ctx, local.UpdatedAt); err != nil {
				return Result{Err: fmt.Errorf("bump last updated: %w", err)}
			}
		}
		return g.push(ctx, local)
	}

	winner, dir := Resolve(local, *remote)
	switch dir {
	case DirectionPull:
		if err := g.store.ReplaceSnapshot(ctx, winner.Snapshot); err != nil {
			if errors.Is(err, store.ErrInvalidTask) {
				err = fmt.Errorf("%w from device %s: %w", ErrRemoteRejected, winner.DeviceID, err)
			}
			return Result{Direction: dir, Err: fmt.Errorf("apply remote document: %w", err)}
		}
		if err := g.store.SetLastUpdated(ctx, winner.UpdatedAt); err != nil {
			return Result{Direction: dir, Err: fmt.Errorf("record remote timestamp: %w", err)}
		}
		g.logger.Printf("pulled document from device %s (%s)", winner.DeviceID, winner.UpdatedAt.Format(time.RFC3339))
		if g.onPull != nil {
			g.onPull()
		}
		return Result{Direction: dir}
	case DirectionPush:
		return g.push(ctx, local)
	default:
		return Result{Direction: DirectionNone}
	}
}

func (g *Gateway) push(ctx context.Context, doc Document) Result {
	if err := g.remote.Set(ctx, doc); err != nil {
		return Result{Direction: DirectionPush, Err: fmt.Errorf("set remote document: %w", err)}
	}
	return Result{Direction: DirectionPush}
}

func (g *Gateway) localDocument(ctx context.Context) (Document, error) {
	snap, err := g.store.ExportSnapshot(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("export snapshot: %w", err)
	}
	ts, err := g.store.LastUpdated(ctx)
	if err != nil {
		return Document{}, err
	}
	device, err := g.store.DeviceID(ctx)
	if err != nil {
		return Document{}, err
	}
	return Document{Snapshot: snap, UpdatedAt: ts, DeviceID: device}, nil
}

// Run reconciles on start, every interval, whenever the remote signals a
// change and shortly after local mutations. It returns when ctx is done.
func (g *Gateway) Run(ctx context.Context, interval time.Duration) error {
	unsubscribe := g.store.Subscribe(func(store.Change) { g.MarkDirty() })
	defer unsubscribe()

	watch, err := g.remote.Watch(ctx)
	if err != nil {
		g.logger.Printf("watch remote: %v (polling every %s)", err, interval)
		watch = nil
	}

	g.Reconcile(ctx)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			g.Reconcile(ctx)
		case _, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			g.Reconcile(ctx)
		case <-g.dirty:
			if debounce == nil {
				debounce = time.NewTimer(g.debounce)
			} else {
				debounce.Reset(g.debounce)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			g.Reconcile(ctx)
		}
	}
}

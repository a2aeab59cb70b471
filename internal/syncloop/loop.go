// Package syncloop drives C5's per-group sync functions across every
// group a client knows about: a ticking background loop that fans out
// PublishPending/ProcessInbound per group via errgroup, and separately
// drains the installation's own welcome stream to admit newly created
// groups.
package syncloop

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xmtp-go/mlscore/internal/group"
	"github.com/xmtp-go/mlscore/internal/store"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// DefaultInterval is how often Run wakes up to sync every known group
// and pull new welcomes, absent an explicit Loop.Interval override.
const DefaultInterval = 5 * time.Second

// Loop periodically drives every group a client knows about. Groups
// proceed independently and in parallel (the concurrency model's
// per-group serial lock already guards each one individually); the
// loop itself just fans out and waits.
type Loop struct {
	Client   *group.Client
	Interval time.Duration

	// OnTickError receives any error surfaced by a tick that isn't
	// already handled per-group (e.g. a failure enumerating groups).
	// A nil func discards it.
	OnTickError func(error)
}

// New returns a Loop with DefaultInterval, ready to Run.
func New(c *group.Client) *Loop {
	return &Loop{Client: c, Interval: DefaultInterval}
}

// Run ticks until ctx is cancelled, syncing once immediately and then
// every l.Interval. It returns ctx.Err() on cancellation; a cancelled
// tick in progress always finishes leaving durable state consistent,
// per the cooperative-cancellation requirement.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Tick(ctx); err != nil {
		l.reportTickError(err)
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.reportTickError(err)
			}
		}
	}
}

func (l *Loop) reportTickError(err error) {
	if l.OnTickError != nil {
		l.OnTickError(err)
	}
}

// Tick syncs every known group once and drains the installation's
// welcome stream once. Per-group failures are isolated: one group's
// transient RPC error does not stop the others from syncing.
func (l *Loop) Tick(ctx context.Context) error {
	groups, err := l.Client.Store.ListGroups(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "list groups for sync loop", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, row := range groups {
		g := group.FromID(row.ID)
		eg.Go(func() error {
			if err := group.PublishPending(egCtx, l.Client, g); err != nil && !xerrors.Retryable(err) {
				return err
			}
			if err := group.ProcessInbound(egCtx, l.Client, g); err != nil && !xerrors.Retryable(err) {
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	return l.pullWelcomes(ctx)
}

// pullWelcomes drains the installation's own welcome stream past the
// stored cursor, admitting every new group via group.JoinFromWelcome
// and rotating in a fresh key package afterward for post-compromise
// security.
func (l *Loop) pullWelcomes(ctx context.Context) error {
	entityID := hex.EncodeToString(l.Client.Identity.InstallationID())
	cursor, err := l.Client.Store.GetCursor(ctx, entityID, store.CursorWelcome)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "load welcome cursor", err)
	}

	welcomes, err := l.Client.API.QueryWelcomeMessages(ctx, l.Client.Identity.InstallationID(), cursor)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "query welcome messages", err)
	}

	for _, w := range welcomes {
		// The welcome stream entry carries no sender identity, so this
		// join skips the association-log sanity check JoinFromWelcome
		// otherwise does when the caller already knows who invited it.
		newGroup, err := group.JoinFromWelcome(ctx, l.Client, w.Payload, w.CreatedNS, "")
		if err != nil && !xerrors.Retryable(err) {
			return err
		}
		if err == nil {
			if _, selfErr := group.SelfUpdate(ctx, l.Client, newGroup); selfErr == nil {
				_ = group.PublishPending(ctx, l.Client, newGroup)
			}
		}
		if _, err := l.Client.Store.UpdateCursor(ctx, entityID, store.CursorWelcome, w.ID); err != nil {
			return err
		}
	}
	return nil
}

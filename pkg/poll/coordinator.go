// Package poll schedules and runs polling cycles against the customer
// portal and publishes the resulting snapshots.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"

	"github.com/tankwatch/tankwatch/pkg/log"
	"github.com/tankwatch/tankwatch/pkg/portal"
	"github.com/tankwatch/tankwatch/pkg/snapshot"
	"github.com/tankwatch/tankwatch/pkg/storage"
	"github.com/tankwatch/tankwatch/pkg/types"
)

// Coordinator owns the poll loop. Exactly one cycle runs at a time; ticks
// and manual triggers that arrive mid-cycle wait for the current cycle to
// finish rather than overlapping it.
type Coordinator struct {
	client      *portal.Client
	auth        *portal.AuthSession
	db          storage.Database
	cred        types.Credential
	concurrency int

	trigger chan chan types.CycleResult

	mu        sync.RWMutex
	latest    *types.Snapshot
	lastCycle *types.CycleResult
	settings  types.Settings
}

// Configured sets up the Coordinator and registers its flags.
func Configured(client *portal.Client, db storage.Database) *Coordinator {
	username := lflag.RequiredString("portal-username", "Customer portal login email")
	password := lflag.RequiredString("portal-password", "Customer portal login password")
	concurrency := lflag.Int("poll-concurrency", 4, "Maximum concurrent order-history fetches per account")

	c := New(client, db, types.Credential{}, 4)

	lflag.Do(func() {
		c.cred = types.Credential{Username: *username, Password: *password}
		c.concurrency = *concurrency
	})

	return c
}

// New returns a Coordinator polling with the given credential.
func New(client *portal.Client, db storage.Database, cred types.Credential, concurrency int) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		client:      client,
		auth:        portal.NewAuthSession(client),
		db:          db,
		cred:        cred,
		concurrency: concurrency,
		trigger:     make(chan chan types.CycleResult),
		settings:    types.DefaultSettings(),
	}
}

// Run executes poll cycles until the context is canceled. The first cycle
// starts immediately; subsequent cycles follow the interval from settings,
// re-read every cycle.
func (c *Coordinator) Run(ctx context.Context) error {
	// warm start from the last persisted snapshot so the API has data
	// before the first cycle completes
	if snap, err := c.db.GetLatestSnapshot(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load persisted snapshot", slog.Any("error", err))
	} else if snap != nil {
		c.mu.Lock()
		c.latest = snap
		c.mu.Unlock()
	}

	c.RunCycle(ctx)

	timer := time.NewTimer(c.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			c.RunCycle(ctx)
		case reply := <-c.trigger:
			res := c.RunCycle(ctx)
			reply <- res
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(c.interval())
	}
}

// RunNow requests an immediate cycle and waits for its result. If a cycle
// is already in flight it waits for that one to finish first.
func (c *Coordinator) RunNow(ctx context.Context) (types.CycleResult, error) {
	reply := make(chan types.CycleResult, 1)
	select {
	case c.trigger <- reply:
	case <-ctx.Done():
		return types.CycleResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return types.CycleResult{}, ctx.Err()
	}
}

// Latest returns the most recently published snapshot, or nil when no
// cycle has succeeded yet.
func (c *Coordinator) Latest() *types.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// LastCycle returns the result of the most recent cycle, or nil before the
// first one.
func (c *Coordinator) LastCycle() *types.CycleResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCycle
}

// Settings returns the settings the coordinator last observed.
func (c *Coordinator) Settings() types.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *Coordinator) interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.PollInterval()
}

// RunCycle executes one complete cycle: re-read settings, authenticate,
// fetch every account, aggregate, publish. A failed cycle never touches
// the previously published snapshot.
func (c *Coordinator) RunCycle(ctx context.Context) types.CycleResult {
	result := types.CycleResult{StartedAt: time.Now().UTC()}

	settings := c.refreshSettings(ctx)
	if settings.Pause {
		log.Ctx(ctx).DebugContext(ctx, "polling is paused, skipping cycle")
		result.Paused = true
		result.Health = types.CycleHealthFull
		result.CompletedAt = time.Now().UTC()
		c.recordCycle(ctx, result, false)
		return result
	}

	token, err := c.auth.EnsureValid(ctx, c.cred)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "login failed", slog.Any("error", err))
		return c.failCycle(ctx, result, err)
	}

	var contact types.Contact
	var accountIDs []string
	if settings.PollAllAccounts() {
		user, err := c.client.GetUser(ctx, token)
		if err != nil {
			// without the user lookup we don't know which accounts to poll
			log.Ctx(ctx).ErrorContext(ctx, "account discovery failed", slog.Any("error", err))
			return c.failCycle(ctx, result, err)
		}
		contact = contactFromUser(user)
		for _, id := range user.Accounts {
			accountIDs = append(accountIDs, id.String())
		}
	} else {
		accountIDs = []string{settings.AccountID}
		if user, err := c.client.GetUser(ctx, token); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "user lookup failed", slog.Any("error", err))
		} else {
			contact = contactFromUser(user)
		}
	}

	builder := snapshot.NewBuilder(c.client, settings.FetchOrders, c.concurrency)

	// vendor account order is preserved in the snapshot
	accounts := make([]*types.Account, len(accountIDs))
	errs := make([]error, len(accountIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, id := range accountIDs {
		i, id := i, id
		g.Go(func() error {
			acct, err := builder.Build(gctx, token, id)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "account fetch failed",
					slog.String("accountID", id),
					slog.Any("error", err),
				)
				errs[i] = err
				return nil
			}
			accounts[i] = &acct
			return nil
		})
	}
	g.Wait()

	snap := &types.Snapshot{
		TakenAt: result.StartedAt,
		Contact: contact,
	}
	var firstErr error
	for i, id := range accountIDs {
		if accounts[i] != nil {
			snap.Accounts = append(snap.Accounts, *accounts[i])
			continue
		}
		snap.FailedAccounts = append(snap.FailedAccounts, id)
		if firstErr == nil {
			firstErr = errs[i]
		}
	}

	if len(accountIDs) > 0 && len(snap.Accounts) == 0 {
		// nothing usable came back, keep the previous snapshot
		err := firstErr
		if err == nil {
			err = errors.New("no accounts configured or discovered")
		}
		return c.failCycle(ctx, result, err)
	}

	result.CompletedAt = time.Now().UTC()
	result.Accounts = len(snap.Accounts)
	result.Tanks = countTanks(snap)
	if snap.Partial() {
		result.Health = types.CycleHealthPartial
		result.FailureKind = classify(firstErr)
		if firstErr != nil {
			result.Error = firstErr.Error()
		}
	} else {
		result.Health = types.CycleHealthFull
	}

	c.mu.Lock()
	c.latest = snap
	c.lastCycle = &result
	c.mu.Unlock()

	if err := c.db.SaveSnapshot(ctx, snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist snapshot", slog.Any("error", err))
	}
	if err := c.db.InsertCycle(ctx, result); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist cycle result", slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "cycle complete",
		slog.String("health", string(result.Health)),
		slog.Int("accounts", result.Accounts),
		slog.Int("tanks", result.Tanks),
		slog.Duration("took", result.CompletedAt.Sub(result.StartedAt)),
	)
	return result
}

// refreshSettings re-reads settings from storage, falling back to the last
// observed settings when storage is unavailable.
func (c *Coordinator) refreshSettings(ctx context.Context) types.Settings {
	settings, _, err := c.db.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read settings, using last known", slog.Any("error", err))
		return c.Settings()
	}
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
	return settings
}

func (c *Coordinator) failCycle(ctx context.Context, result types.CycleResult, err error) types.CycleResult {
	result.CompletedAt = time.Now().UTC()
	result.Health = types.CycleHealthFailed
	result.FailureKind = classify(err)
	result.Error = err.Error()
	c.recordCycle(ctx, result, true)
	return result
}

// recordCycle stores the cycle result in memory and, when persist is set,
// in the cycle history. The published snapshot is never touched here.
func (c *Coordinator) recordCycle(ctx context.Context, result types.CycleResult, persist bool) {
	c.mu.Lock()
	c.lastCycle = &result
	c.mu.Unlock()
	if !persist {
		return
	}
	if err := c.db.InsertCycle(ctx, result); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist cycle result", slog.Any("error", err))
	}
}

func contactFromUser(user portal.UserInfo) types.Contact {
	return types.Contact{
		ContactID:          user.ContactID.String(),
		FirstName:          user.FirstName,
		LastName:           user.LastName,
		Email:              user.Email,
		Phone:              user.Phone,
		HasNationalAccount: user.HasNationalAccount,
	}
}

func countTanks(snap *types.Snapshot) int {
	var n int
	for _, acct := range snap.Accounts {
		for _, site := range acct.Sites {
			n += len(site.Tanks)
		}
	}
	return n
}

// classify maps portal errors onto the cycle failure taxonomy.
func classify(err error) types.FailureKind {
	var (
		authErr      *portal.AuthError
		transportErr *portal.TransportError
		protocolErr  *portal.ProtocolError
		notFoundErr  *portal.NotFoundError
	)
	switch {
	case errors.As(err, &authErr):
		return types.FailureKindAuth
	case errors.As(err, &protocolErr):
		return types.FailureKindProtocol
	case errors.As(err, &notFoundErr):
		return types.FailureKindNotFound
	case errors.As(err, &transportErr):
		return types.FailureKindTransport
	default:
		return types.FailureKindTransport
	}
}

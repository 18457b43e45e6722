// Package poller fetches current download state from the external API for
// each registered account, spreading the account population evenly across
// ticks so the outbound request rate stays roughly constant.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/torboard/torboard/config"
	"github.com/torboard/torboard/internal/database"
	"github.com/torboard/torboard/internal/debrid"
	"github.com/torboard/torboard/internal/secrets"
	"github.com/torboard/torboard/internal/snapshot"
)

const (
	// shortRetryInterval reschedules a failed account well before the next
	// full cycle.
	shortRetryInterval = 5 * time.Minute
	// staggerStep spaces out fetch launches within a batch so a tick
	// boundary does not produce a burst of simultaneous requests.
	staggerStep = 200 * time.Millisecond
)

// ClientFactory builds an API client for one account's decrypted token.
type ClientFactory func(token string) debrid.API

type Poller struct {
	db        *database.DB
	snapshots *snapshot.Manager
	decryptor secrets.Decryptor
	newClient ClientFactory
	cfg       *config.Config

	mu               sync.Mutex
	activeCount      int
	activeCountAsOf  time.Time
	lastTickAt       time.Time
	lastBatchSize    int
	lastErrorCount   int
	totalPollsOK     int64
	totalPollsFailed int64
}

type Status struct {
	TotalAccounts   int64     `json:"totalAccounts"`
	ActiveAccounts  int       `json:"activeAccounts"`
	DueAccounts     int64     `json:"dueAccounts"`
	AccountsPerTick int       `json:"accountsPerTick"`
	LastTickAt      time.Time `json:"lastTickAt"`
	LastBatchSize   int       `json:"lastBatchSize"`
	LastErrorCount  int       `json:"lastErrorCount"`
	TotalPollsOK    int64     `json:"totalPollsOk"`
	TotalPollsFail  int64     `json:"totalPollsFailed"`
}

func New(db *database.DB, snapshots *snapshot.Manager, decryptor secrets.Decryptor, newClient ClientFactory, cfg *config.Config) *Poller {
	return &Poller{
		db:          db,
		snapshots:   snapshots,
		decryptor:   decryptor,
		newClient:   newClient,
		cfg:         cfg,
		activeCount: cfg.EstimatedActiveAccounts,
	}
}

// AccountsPerTick returns the batch size that spreads the active population
// evenly across one target interval: ceil(active / (target / tick)).
func AccountsPerTick(active, targetMinutes, tickMinutes int) int {
	if active <= 0 {
		return 0
	}
	if tickMinutes <= 0 || targetMinutes <= 0 {
		return active
	}
	n := (active*tickMinutes + targetMinutes - 1) / targetMinutes
	if n < 1 {
		n = 1
	}
	return n
}

// Run performs one poll tick: select the most overdue due accounts up to
// the batch size, fetch their state with bounded concurrency, and advance
// each account's schedule. One account's failure never aborts the batch.
func (p *Poller) Run(ctx context.Context) error {
	now := time.Now().UTC()
	batchSize := AccountsPerTick(p.activeAccounts(), p.cfg.TargetPollIntervalMinutes, p.cfg.WorkerTickIntervalMinutes)
	if batchSize == 0 {
		return nil
	}

	var accounts []database.Account
	err := p.db.
		Where("is_active = ? AND (next_poll_at IS NULL OR next_poll_at <= ?)", true, now).
		Order("next_poll_at ASC").
		Limit(batchSize).
		Find(&accounts).Error
	if err != nil {
		return fmt.Errorf("select due accounts: %w", err)
	}

	p.mu.Lock()
	p.lastTickAt = now
	p.lastBatchSize = len(accounts)
	p.mu.Unlock()

	if len(accounts) == 0 {
		return nil
	}

	slog.Debug("Poll tick", "due", len(accounts), "batchSize", batchSize)

	sem := make(chan struct{}, p.cfg.MaxConcurrentFetches)
	var wg sync.WaitGroup
	var failures sync.Map

	for i := range accounts {
		wg.Add(1)
		go func(pos int, account database.Account) {
			defer wg.Done()

			// Intra-batch stagger keeps tick boundaries from bursting.
			select {
			case <-time.After(time.Duration(pos) * staggerStep):
			case <-ctx.Done():
				return
			}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := p.pollAccount(ctx, &account); err != nil {
				failures.Store(account.ID, err)
				slog.Warn("Poll failed", "accountID", account.ID, "error", err)
				p.reschedule(&account, time.Now().UTC(), false)
			}
		}(i, accounts[i])
	}
	wg.Wait()

	errorCount := 0
	failures.Range(func(_, _ interface{}) bool {
		errorCount++
		return true
	})

	p.mu.Lock()
	p.lastErrorCount = errorCount
	p.totalPollsOK += int64(len(accounts) - errorCount)
	p.totalPollsFailed += int64(errorCount)
	p.mu.Unlock()

	return nil
}

// pollAccount fetches the account's current and queued items concurrently,
// hands the merged list to the snapshot manager, and advances the schedule.
func (p *Poller) pollAccount(ctx context.Context, account *database.Account) error {
	token, err := p.decryptor.Decrypt(account.TokenEnc)
	if err != nil {
		return fmt.Errorf("decrypt token: %w", err)
	}

	client := p.newClient(string(token))

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout())
	defer cancel()

	var (
		current, queued       []debrid.Item
		currentErr, queuedErr error
		wg                    sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		current, currentErr = client.ListItems(fetchCtx)
	}()
	go func() {
		defer wg.Done()
		queued, queuedErr = client.ListQueued(fetchCtx)
	}()
	wg.Wait()

	if currentErr != nil {
		return fmt.Errorf("fetch items: %w", currentErr)
	}
	if queuedErr != nil {
		return fmt.Errorf("fetch queue: %w", queuedErr)
	}

	items := debrid.MergeItems(current, queued)

	persisted, err := p.snapshots.CommitObservations(account.ID, items)
	if err != nil {
		return fmt.Errorf("commit observations: %w", err)
	}

	now := time.Now().UTC()
	p.reschedule(account, now, true)

	slog.Debug("Polled account", "accountID", account.ID, "items", len(items), "snapshots", persisted)
	return nil
}

// reschedule advances the account's schedule. Success moves next_poll_at a
// full target interval out and records last_polled_at; failure retries on
// the short interval and leaves last_polled_at alone.
func (p *Poller) reschedule(account *database.Account, now time.Time, success bool) {
	updates := map[string]interface{}{}
	if success {
		next := now.Add(p.cfg.TargetPollInterval())
		updates["next_poll_at"] = next
		updates["last_polled_at"] = now
	} else {
		updates["next_poll_at"] = now.Add(shortRetryInterval)
	}

	err := p.db.Model(&database.Account{}).Where("id = ?", account.ID).Updates(updates).Error
	if err != nil {
		slog.Error("Failed to reschedule account", "accountID", account.ID, "error", err)
	}
}

// activeAccounts returns the cached active-account count, re-measuring it
// once the cache is older than a target interval. A stale estimate only
// skews batch size, not correctness.
func (p *Poller) activeAccounts() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.activeCountAsOf) < p.cfg.TargetPollInterval() && p.activeCountAsOf != (time.Time{}) {
		return p.activeCount
	}

	var count int64
	if err := p.db.Model(&database.Account{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		slog.Error("Failed to count active accounts", "error", err)
		return p.activeCount
	}

	p.activeCount = int(count)
	p.activeCountAsOf = time.Now()
	return p.activeCount
}

func (p *Poller) Status() Status {
	var total, due int64
	p.db.Model(&database.Account{}).Count(&total)
	p.db.Model(&database.Account{}).
		Where("is_active = ? AND (next_poll_at IS NULL OR next_poll_at <= ?)", true, time.Now().UTC()).
		Count(&due)

	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		TotalAccounts:   total,
		ActiveAccounts:  p.activeCount,
		DueAccounts:     due,
		AccountsPerTick: AccountsPerTick(p.activeCount, p.cfg.TargetPollIntervalMinutes, p.cfg.WorkerTickIntervalMinutes),
		LastTickAt:      p.lastTickAt,
		LastBatchSize:   p.lastBatchSize,
		LastErrorCount:  p.lastErrorCount,
		TotalPollsOK:    p.totalPollsOK,
		TotalPollsFail:  p.totalPollsFailed,
	}
}

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/torboard/torboard/config"
	"github.com/torboard/torboard/internal/database"
	"github.com/torboard/torboard/internal/debrid"
	"github.com/torboard/torboard/internal/hooks"
	"github.com/torboard/torboard/internal/secrets"
)

// speedTrendWindow is how far back speed samples are read when computing
// the avg_dl_speed / avg_ul_speed trend fields.
const speedTrendWindow = 15 * time.Minute

// ClientFactory builds an API client for one account's decrypted token.
type ClientFactory func(token string) debrid.API

type Engine struct {
	db        *database.DB
	decryptor secrets.Decryptor
	newClient ClientFactory
	hooks     *hooks.Manager
	cfg       *config.Config

	mu          sync.Mutex
	lastPassAt  time.Time
	lastMatched int
}

type Status struct {
	RulesEnabled      int64     `json:"rulesEnabled"`
	ExecutionsLast24h int64     `json:"executionsLast24h"`
	LastPassAt        time.Time `json:"lastPassAt"`
	LastPassMatched   int       `json:"lastPassMatched"`
}

// triggerDescriptor scopes a rule's candidate item set.
type triggerDescriptor struct {
	TargetKind string `json:"target_kind,omitempty"`
}

type actionDescriptor struct {
	Type string `json:"type"`
}

const (
	ActionDelete = "delete"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionNotify = "notify"
)

func New(db *database.DB, decryptor secrets.Decryptor, newClient ClientFactory, hooksManager *hooks.Manager, cfg *config.Config) *Engine {
	return &Engine{
		db:        db,
		decryptor: decryptor,
		newClient: newClient,
		hooks:     hooksManager,
		cfg:       cfg,
	}
}

// Run evaluates every enabled rule once. Rule order is unspecified;
// cooldown correctness depends only on each rule's own timestamp.
func (e *Engine) Run(ctx context.Context) error {
	var rules []database.AutomationRule
	if err := e.db.Where("enabled = ?", true).Find(&rules).Error; err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	items, clients := e.collectItems(ctx)

	matched := 0
	for i := range rules {
		fired, err := e.evaluateRule(ctx, &rules[i], items, clients, database.ExecutionTypeScheduled)
		if err != nil {
			slog.Error("Rule evaluation failed", "ruleID", rules[i].ID, "error", err)
			continue
		}
		if fired {
			matched++
		}
	}

	e.mu.Lock()
	e.lastPassAt = time.Now().UTC()
	e.lastMatched = matched
	e.mu.Unlock()

	return nil
}

// RunRule evaluates a single rule on demand. The cooldown gate still
// applies: a manual trigger cannot break the fire-twice invariant.
func (e *Engine) RunRule(ctx context.Context, ruleID string) error {
	var rule database.AutomationRule
	if err := e.db.First(&rule, "id = ?", ruleID).Error; err != nil {
		return fmt.Errorf("load rule %s: %w", ruleID, err)
	}

	items, clients := e.collectItems(ctx)
	_, err := e.evaluateRule(ctx, &rule, items, clients, database.ExecutionTypeManual)
	return err
}

// collectItems fetches the current item set across all active accounts and
// decorates it with throughput trends. An account whose fetch fails simply
// contributes no candidates this pass.
func (e *Engine) collectItems(ctx context.Context) ([]ItemView, map[string]debrid.API) {
	var accounts []database.Account
	if err := e.db.Where("is_active = ?", true).Find(&accounts).Error; err != nil {
		slog.Error("Failed to load accounts", "error", err)
		return nil, nil
	}

	clients := make(map[string]debrid.API, len(accounts))
	var views []ItemView

	for i := range accounts {
		account := &accounts[i]

		token, err := e.decryptor.Decrypt(account.TokenEnc)
		if err != nil {
			slog.Warn("Skipping account: cannot decrypt token", "accountID", account.ID, "error", err)
			continue
		}

		client := e.newClient(string(token))
		clients[account.ID] = client

		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout())
		current, currentErr := client.ListItems(fetchCtx)
		queued, queuedErr := client.ListQueued(fetchCtx)
		cancel()

		if currentErr != nil || queuedErr != nil {
			slog.Warn("Skipping account: fetch failed", "accountID", account.ID,
				"itemsError", currentErr, "queueError", queuedErr)
			continue
		}

		for _, it := range debrid.MergeItems(current, queued) {
			views = append(views, ItemView{Item: it, AccountID: account.ID})
		}
	}

	e.attachSpeedTrends(views)
	return views, clients
}

// attachSpeedTrends computes average throughput over the recent sample
// window for each candidate item.
func (e *Engine) attachSpeedTrends(views []ItemView) {
	if len(views) == 0 {
		return
	}

	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}

	since := time.Now().UTC().Add(-speedTrendWindow)
	var samples []database.SpeedSample
	err := e.db.Where("item_id IN ? AND timestamp >= ?", ids, since).
		Order("timestamp ASC").
		Find(&samples).Error
	if err != nil {
		slog.Error("Failed to load speed samples", "error", err)
		return
	}

	type span struct{ first, last database.SpeedSample }
	spans := make(map[string]*span)
	for _, s := range samples {
		if sp, ok := spans[s.ItemID]; ok {
			sp.last = s
		} else {
			spans[s.ItemID] = &span{first: s, last: s}
		}
	}

	for i := range views {
		sp, ok := spans[views[i].ID]
		if !ok {
			continue
		}
		seconds := sp.last.Timestamp.Sub(sp.first.Timestamp).Seconds()
		if seconds <= 0 {
			continue
		}
		views[i].AvgDLSpeed = float64(sp.last.TotalDownloaded-sp.first.TotalDownloaded) / seconds
		views[i].AvgULSpeed = float64(sp.last.TotalUploaded-sp.first.TotalUploaded) / seconds
	}
}

// evaluateRule runs one rule against the candidate set. It returns true if
// the rule matched at least one item (and therefore wrote an audit row).
func (e *Engine) evaluateRule(ctx context.Context, rule *database.AutomationRule, items []ItemView, clients map[string]debrid.API, executionType string) (bool, error) {
	now := time.Now().UTC()

	if rule.CooldownMinutes > 0 && rule.LastExecutedAt != nil {
		cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
		if now.Sub(*rule.LastExecutedAt) < cooldown {
			slog.Debug("Rule in cooldown", "ruleID", rule.ID, "lastExecutedAt", rule.LastExecutedAt)
			return false, nil
		}
	}

	var trigger triggerDescriptor
	if rule.Trigger != "" {
		if err := json.Unmarshal([]byte(rule.Trigger), &trigger); err != nil {
			return false, fmt.Errorf("parse trigger: %w", err)
		}
	}

	tree, err := ParseConditions(rule.Conditions)
	if err != nil {
		return false, err
	}

	var action actionDescriptor
	if err := json.Unmarshal([]byte(rule.Action), &action); err != nil {
		return false, fmt.Errorf("parse action: %w", err)
	}

	var matched []ItemView
	for _, item := range items {
		if trigger.TargetKind != "" && !strings.EqualFold(item.Kind, trigger.TargetKind) {
			continue
		}
		if Eval(tree, item, now) {
			matched = append(matched, item)
		}
	}

	if len(matched) == 0 {
		return false, nil
	}

	// One item's action failure must not stop the others.
	var itemErrors []string
	for _, item := range matched {
		if err := e.executeAction(ctx, &action, item, clients); err != nil {
			slog.Warn("Rule action failed", "ruleID", rule.ID, "itemID", item.ID, "error", err)
			itemErrors = append(itemErrors, fmt.Sprintf("%s: %v", item.ID, err))
		}
	}

	success := len(itemErrors) == 0
	errorMessage := ""
	if !success {
		errorMessage = fmt.Sprintf("%d of %d actions failed: %s",
			len(itemErrors), len(matched), strings.Join(itemErrors, "; "))
	}

	logEntry := &database.RuleExecutionLog{
		ID:             ulid.Make().String(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		ExecutionType:  executionType,
		ItemsProcessed: len(matched),
		Success:        success,
		ErrorMessage:   errorMessage,
		ExecutedAt:     now,
	}
	if err := e.db.Create(logEntry).Error; err != nil {
		slog.Error("Failed to write execution log", "ruleID", rule.ID, "error", err)
	}

	if success {
		// The cooldown only starts on a clean run; a partial failure leaves
		// the rule eligible for retry next tick.
		err := e.db.Model(&database.AutomationRule{}).Where("id = ?", rule.ID).Updates(map[string]interface{}{
			"last_executed_at": now,
			"execution_count":  gorm.Expr("execution_count + 1"),
		}).Error
		if err != nil {
			slog.Error("Failed to update rule bookkeeping", "ruleID", rule.ID, "error", err)
		}
		e.hooks.Emit(ctx, hooks.NewEvent(hooks.EventRuleExecuted).WithRule(rule.ID, rule.Name, len(matched)))
	} else {
		e.hooks.Emit(ctx, hooks.NewEvent(hooks.EventRuleFailed).
			WithRule(rule.ID, rule.Name, len(matched)).
			WithError("ACTION_ERROR", errorMessage))
	}

	slog.Info("Rule executed", "ruleID", rule.ID, "items", len(matched), "success", success, "type", executionType)
	return true, nil
}

func (e *Engine) executeAction(ctx context.Context, action *actionDescriptor, item ItemView, clients map[string]debrid.API) error {
	switch action.Type {
	case ActionDelete, ActionPause, ActionResume:
		client, ok := clients[item.AccountID]
		if !ok {
			return fmt.Errorf("no client for account %s", item.AccountID)
		}
		return client.Control(ctx, item.ID, action.Type)

	case ActionNotify:
		e.hooks.Emit(ctx, hooks.NewEvent(hooks.EventRuleMatched).
			WithAccount(item.AccountID).
			WithItem(item.ID, item.Name, item.State, item.Progress))
		return nil
	}
	return fmt.Errorf("unknown action type %q", action.Type)
}

func (e *Engine) Status() Status {
	var enabled, recent int64
	e.db.Model(&database.AutomationRule{}).Where("enabled = ?", true).Count(&enabled)
	e.db.Model(&database.RuleExecutionLog{}).
		Where("executed_at >= ?", time.Now().UTC().Add(-24*time.Hour)).
		Count(&recent)

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		RulesEnabled:      enabled,
		ExecutionsLast24h: recent,
		LastPassAt:        e.lastPassAt,
		LastPassMatched:   e.lastMatched,
	}
}

// Package snapshot decides which observed item states are worth keeping as
// history, maintains the per-item shadow baseline, and reclaims old rows.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/torboard/torboard/internal/database"
	"github.com/torboard/torboard/internal/debrid"
)

const (
	// DefaultProgressThreshold is the minimum progress movement (on the 0-1
	// scale) that justifies a new snapshot on its own.
	DefaultProgressThreshold = 0.05
	// DefaultByteThreshold is the minimum cumulative byte movement that
	// justifies a new snapshot on its own.
	DefaultByteThreshold = 10 * 1024 * 1024
)

type Manager struct {
	db                *database.DB
	progressThreshold float64
	byteThreshold     int64
}

func New(db *database.DB) *Manager {
	return &Manager{
		db:                db,
		progressThreshold: DefaultProgressThreshold,
		byteThreshold:     DefaultByteThreshold,
	}
}

// LastKnownStates bulk-reads the shadow rows for the given items. Items
// never seen before are absent from the returned map.
func (m *Manager) LastKnownStates(accountID string, itemIDs []string) (map[string]database.ShadowState, error) {
	if len(itemIDs) == 0 {
		return map[string]database.ShadowState{}, nil
	}

	var rows []database.ShadowState
	if err := m.db.Where("account_id = ? AND item_id IN ?", accountID, itemIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load shadow states: %w", err)
	}

	states := make(map[string]database.ShadowState, len(rows))
	for _, row := range rows {
		states[row.ItemID] = row
	}
	return states, nil
}

// ShouldPersist reports whether the observed item state represents a
// meaningful transition from the prior shadow state. First sightings and
// lifecycle-state changes always persist; byte and progress movement must
// clear a noise threshold.
func (m *Manager) ShouldPersist(item debrid.Item, prior *database.ShadowState) bool {
	if prior == nil {
		return true
	}
	if item.State != prior.LastState {
		return true
	}
	if absInt64(item.Downloaded-prior.LastDownloaded) > m.byteThreshold {
		return true
	}
	if absInt64(item.Uploaded-prior.LastUploaded) > m.byteThreshold {
		return true
	}
	if math.Abs(item.Progress-prior.LastProgress) > m.progressThreshold {
		return true
	}
	return false
}

// BuildSnapshot maps an observed item into a history row, keeping a
// serialized copy of the full observation.
func (m *Manager) BuildSnapshot(accountID string, item debrid.Item) (*database.Snapshot, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("serialize item %s: %w", item.ID, err)
	}

	return &database.Snapshot{
		ID:        ulid.Make().String(),
		AccountID: accountID,
		ItemID:    item.ID,
		Payload:   payload,
		State:     item.State,
		Progress:  item.Progress,
		DLSpeed:   item.DownloadSpeed,
		ULSpeed:   item.UploadSpeed,
		Seeds:     item.Seeds,
		Peers:     item.Peers,
		Ratio:     item.Ratio,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CommitObservations processes one account's poll result: persists the
// snapshots worth keeping in a single transaction, then advances the shadow
// baseline for every item and records speed samples for active items.
// Shadow upserts are per-item so partial progress survives a failure.
func (m *Manager) CommitObservations(accountID string, items []debrid.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	itemIDs := make([]string, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}

	priors, err := m.LastKnownStates(accountID, itemIDs)
	if err != nil {
		return 0, err
	}

	var snapshots []*database.Snapshot
	for _, it := range items {
		var prior *database.ShadowState
		if p, ok := priors[it.ID]; ok {
			prior = &p
		}
		if !m.ShouldPersist(it, prior) {
			continue
		}
		snap, err := m.BuildSnapshot(accountID, it)
		if err != nil {
			slog.Error("Failed to build snapshot", "accountID", accountID, "itemID", it.ID, "error", err)
			continue
		}
		snapshots = append(snapshots, snap)
	}

	if len(snapshots) > 0 {
		err := m.db.Transaction(func(tx *gorm.DB) error {
			return tx.Create(&snapshots).Error
		})
		if err != nil {
			return 0, fmt.Errorf("insert snapshots: %w", err)
		}
	}

	now := time.Now().UTC()
	for _, it := range items {
		shadow := database.ShadowState{
			ItemID:         it.ID,
			AccountID:      accountID,
			LastDownloaded: it.Downloaded,
			LastUploaded:   it.Uploaded,
			LastState:      it.State,
			LastProgress:   it.Progress,
			UpdatedAt:      now,
		}
		err := m.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}},
			UpdateAll: true,
		}).Create(&shadow).Error
		if err != nil {
			slog.Error("Failed to upsert shadow state", "accountID", accountID, "itemID", it.ID, "error", err)
		}
	}

	m.recordSpeedSamples(items, now)

	return len(snapshots), nil
}

// recordSpeedSamples appends one sample per item still moving bytes. Idle
// and terminal items are skipped to bound table growth.
func (m *Manager) recordSpeedSamples(items []debrid.Item, now time.Time) {
	var samples []database.SpeedSample
	for _, it := range items {
		if !debrid.ActiveState(it.State) {
			continue
		}
		samples = append(samples, database.SpeedSample{
			ItemID:          it.ID,
			Timestamp:       now,
			TotalDownloaded: it.Downloaded,
			TotalUploaded:   it.Uploaded,
		})
	}
	if len(samples) == 0 {
		return
	}
	if err := m.db.Create(&samples).Error; err != nil {
		slog.Error("Failed to record speed samples", "count", len(samples), "error", err)
	}
}

// PruneOldHistory deletes snapshots and speed samples older than the
// horizon and returns the number of rows removed. Calling it again with no
// new data deletes nothing.
func (m *Manager) PruneOldHistory(horizon time.Time) (int64, error) {
	snaps := m.db.Where("created_at < ?", horizon).Delete(&database.Snapshot{})
	if snaps.Error != nil {
		return 0, fmt.Errorf("prune snapshots: %w", snaps.Error)
	}

	samples := m.db.Where("timestamp < ?", horizon).Delete(&database.SpeedSample{})
	if samples.Error != nil {
		return snaps.RowsAffected, fmt.Errorf("prune speed samples: %w", samples.Error)
	}

	return snaps.RowsAffected + samples.RowsAffected, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

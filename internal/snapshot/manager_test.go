package snapshot

import (
	"testing"
	"time"

	"github.com/torboard/torboard/internal/database"
	"github.com/torboard/torboard/internal/debrid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	gormDB.AutoMigrate(
		&database.ShadowState{},
		&database.Snapshot{},
		&database.SpeedSample{},
	)
	return &database.DB{DB: gormDB}
}

func TestShouldPersistFirstSighting(t *testing.T) {
	m := New(setupTestDB(t))

	item := debrid.Item{ID: "i1", State: "downloading", Progress: 0.1}
	if !m.ShouldPersist(item, nil) {
		t.Error("first sighting should persist")
	}
}

func TestShouldPersistStateTransition(t *testing.T) {
	m := New(setupTestDB(t))

	prior := &database.ShadowState{LastState: "downloading", LastProgress: 0.99}
	item := debrid.Item{ID: "i1", State: "completed", Progress: 1.0}
	if !m.ShouldPersist(item, prior) {
		t.Error("state transition should persist regardless of progress delta")
	}
}

func TestShouldPersistBelowNoiseThreshold(t *testing.T) {
	m := New(setupTestDB(t))

	prior := &database.ShadowState{
		LastState:      "downloading",
		LastProgress:   0.40,
		LastDownloaded: 1000,
		LastUploaded:   100,
	}
	item := debrid.Item{
		ID:         "i1",
		State:      "downloading",
		Progress:   0.41,
		Downloaded: 1500,
		Uploaded:   100,
	}
	if m.ShouldPersist(item, prior) {
		t.Error("movement below the noise threshold should not persist")
	}
}

func TestShouldPersistUnchanged(t *testing.T) {
	m := New(setupTestDB(t))

	prior := &database.ShadowState{
		LastState:      "downloading",
		LastProgress:   0.5,
		LastDownloaded: 1000,
		LastUploaded:   200,
	}
	item := debrid.Item{
		ID:         "i1",
		State:      "downloading",
		Progress:   0.5,
		Downloaded: 1000,
		Uploaded:   200,
	}
	if m.ShouldPersist(item, prior) {
		t.Error("unchanged item should not persist")
	}
}

func TestShouldPersistByteMovement(t *testing.T) {
	m := New(setupTestDB(t))

	prior := &database.ShadowState{LastState: "downloading", LastProgress: 0.5}
	item := debrid.Item{
		ID:         "i1",
		State:      "downloading",
		Progress:   0.5,
		Downloaded: DefaultByteThreshold + 1,
	}
	if !m.ShouldPersist(item, prior) {
		t.Error("byte movement past the threshold should persist")
	}
}

func TestBuildSnapshot(t *testing.T) {
	m := New(setupTestDB(t))

	item := debrid.Item{
		ID:            "i1",
		Name:          "ubuntu.iso",
		State:         "downloading",
		Progress:      0.75,
		DownloadSpeed: 1024,
		Seeds:         10,
		Peers:         3,
		Ratio:         0.5,
	}

	snap, err := m.BuildSnapshot("acct-1", item)
	if err != nil {
		t.Fatal(err)
	}

	if snap.ID == "" {
		t.Error("snapshot ID should be set")
	}
	if snap.AccountID != "acct-1" || snap.ItemID != "i1" {
		t.Errorf("identity = %s/%s, want acct-1/i1", snap.AccountID, snap.ItemID)
	}
	if snap.Progress != 0.75 || snap.DLSpeed != 1024 || snap.Seeds != 10 {
		t.Errorf("snapshot fields not mapped: %+v", snap)
	}
	if len(snap.Payload) == 0 {
		t.Error("payload should hold the serialized item")
	}
}

func TestCommitObservationsPersistsAndAdvancesShadow(t *testing.T) {
	db := setupTestDB(t)
	m := New(db)

	// First observation: everything is new, one snapshot per item.
	items := []debrid.Item{
		{ID: "i1", State: "downloading", Progress: 0.40, Downloaded: 1000},
		{ID: "i2", State: "completed", Progress: 1.0},
	}
	persisted, err := m.CommitObservations("acct-1", items)
	if err != nil {
		t.Fatal(err)
	}
	if persisted != 2 {
		t.Errorf("persisted = %d, want 2", persisted)
	}

	// Second observation: i1 moved within noise, i2 unchanged.
	items = []debrid.Item{
		{ID: "i1", State: "downloading", Progress: 0.41, Downloaded: 1500},
		{ID: "i2", State: "completed", Progress: 1.0},
	}
	persisted, err = m.CommitObservations("acct-1", items)
	if err != nil {
		t.Fatal(err)
	}
	if persisted != 0 {
		t.Errorf("persisted = %d, want 0", persisted)
	}

	// The shadow baseline must still reflect the latest observation.
	var shadow database.ShadowState
	if err := db.First(&shadow, "item_id = ?", "i1").Error; err != nil {
		t.Fatal(err)
	}
	if shadow.LastProgress != 0.41 {
		t.Errorf("shadow progress = %v, want 0.41", shadow.LastProgress)
	}
	if shadow.LastDownloaded != 1500 {
		t.Errorf("shadow downloaded = %d, want 1500", shadow.LastDownloaded)
	}

	var count int64
	db.Model(&database.Snapshot{}).Count(&count)
	if count != 2 {
		t.Errorf("snapshot rows = %d, want 2", count)
	}
}

func TestCommitObservationsStateTransition(t *testing.T) {
	db := setupTestDB(t)
	m := New(db)

	m.CommitObservations("acct-1", []debrid.Item{
		{ID: "i1", State: "downloading", Progress: 0.99},
	})

	persisted, err := m.CommitObservations("acct-1", []debrid.Item{
		{ID: "i1", State: "completed", Progress: 1.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if persisted != 1 {
		t.Errorf("persisted = %d, want 1 (state transition)", persisted)
	}
}

func TestSpeedSamplesOnlyForActiveItems(t *testing.T) {
	db := setupTestDB(t)
	m := New(db)

	m.CommitObservations("acct-1", []debrid.Item{
		{ID: "active-1", State: "downloading", Downloaded: 100},
		{ID: "active-2", State: "queued"},
		{ID: "done-1", State: "completed"},
		{ID: "paused-1", State: "paused"},
	})

	var samples []database.SpeedSample
	db.Find(&samples)
	if len(samples) != 2 {
		t.Fatalf("speed samples = %d, want 2", len(samples))
	}
	for _, s := range samples {
		if s.ItemID != "active-1" && s.ItemID != "active-2" {
			t.Errorf("unexpected sample for %q", s.ItemID)
		}
	}
}

func TestPruneOldHistoryIdempotent(t *testing.T) {
	db := setupTestDB(t)
	m := New(db)

	old := time.Now().UTC().Add(-48 * time.Hour)
	db.Create(&database.Snapshot{ID: "old-snap", ItemID: "i1", CreatedAt: old})
	db.Create(&database.SpeedSample{ItemID: "i1", Timestamp: old})
	db.Create(&database.Snapshot{ID: "new-snap", ItemID: "i1", CreatedAt: time.Now().UTC()})

	horizon := time.Now().UTC().Add(-24 * time.Hour)

	deleted, err := m.PruneOldHistory(horizon)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("first prune deleted = %d, want 2", deleted)
	}

	deleted, err = m.PruneOldHistory(horizon)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("second prune deleted = %d, want 0", deleted)
	}

	var count int64
	db.Model(&database.Snapshot{}).Count(&count)
	if count != 1 {
		t.Errorf("remaining snapshots = %d, want 1", count)
	}
}

func TestLastKnownStatesAbsentForNewItems(t *testing.T) {
	db := setupTestDB(t)
	m := New(db)

	db.Create(&database.ShadowState{ItemID: "seen", AccountID: "acct-1", LastState: "downloading"})

	states, err := m.LastKnownStates("acct-1", []string{"seen", "never-seen"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := states["seen"]; !ok {
		t.Error("known item missing from states")
	}
	if _, ok := states["never-seen"]; ok {
		t.Error("unknown item should be absent")
	}
}

package database

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := runMigrations(gormDB); err != nil {
		t.Fatal(err)
	}
	return &DB{DB: gormDB}
}

func TestSettings(t *testing.T) {
	db := setupTestDB(t)

	if err := db.SetSetting("test_key", "test_value"); err != nil {
		t.Fatal(err)
	}

	value, err := db.GetSetting("test_key")
	if err != nil {
		t.Fatal(err)
	}
	if value != "test_value" {
		t.Errorf("GetSetting() = %q, want test_value", value)
	}

	if !db.HasSetting("test_key") {
		t.Error("HasSetting() = false, want true")
	}
	if db.HasSetting("nonexistent_key") {
		t.Error("HasSetting(nonexistent) = true, want false")
	}
}

func TestAccountCRUD(t *testing.T) {
	db := setupTestDB(t)

	account := &Account{
		ID:       "acct-1",
		Name:     "Primary",
		TokenEnc: []byte("encrypted"),
		IsActive: true,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatal(err)
	}

	var retrieved Account
	if err := db.First(&retrieved, "id = ?", "acct-1").Error; err != nil {
		t.Fatal(err)
	}
	if !retrieved.IsActive {
		t.Error("IsActive = false, want true")
	}
	if retrieved.NextPollAt != nil {
		t.Error("NextPollAt should start unset")
	}

	now := time.Now().UTC()
	db.Model(&retrieved).Updates(map[string]interface{}{"next_poll_at": now, "last_polled_at": now})
	db.First(&retrieved, "id = ?", "acct-1")
	if retrieved.NextPollAt == nil {
		t.Error("NextPollAt should be set after update")
	}
}

func TestShadowStateOneRowPerItem(t *testing.T) {
	db := setupTestDB(t)

	shadow := &ShadowState{
		ItemID:         "item-1",
		AccountID:      "acct-1",
		LastDownloaded: 100,
		LastState:      "downloading",
	}
	if err := db.Create(shadow).Error; err != nil {
		t.Fatal(err)
	}

	// A second row for the same item must violate the primary key.
	dup := &ShadowState{ItemID: "item-1", AccountID: "acct-1", LastDownloaded: 200}
	if err := db.Create(dup).Error; err == nil {
		t.Error("duplicate shadow row should be rejected")
	}

	var count int64
	db.Model(&ShadowState{}).Where("item_id = ?", "item-1").Count(&count)
	if count != 1 {
		t.Errorf("shadow rows = %d, want 1", count)
	}
}

func TestSnapshotAppend(t *testing.T) {
	db := setupTestDB(t)

	snaps := []Snapshot{
		{ID: "s1", AccountID: "a1", ItemID: "i1", State: "downloading", Progress: 0.5, CreatedAt: time.Now()},
		{ID: "s2", AccountID: "a1", ItemID: "i1", State: "completed", Progress: 1.0, CreatedAt: time.Now()},
	}
	if err := db.Create(&snaps).Error; err != nil {
		t.Fatal(err)
	}

	var count int64
	db.Model(&Snapshot{}).Where("item_id = ?", "i1").Count(&count)
	if count != 2 {
		t.Errorf("snapshot rows = %d, want 2", count)
	}
}

func TestAutomationRuleDefaults(t *testing.T) {
	db := setupTestDB(t)

	rule := &AutomationRule{
		ID:     "rule-1",
		Name:   "Pause seeded",
		Action: `{"type":"pause"}`,
	}
	if err := db.Create(rule).Error; err != nil {
		t.Fatal(err)
	}

	var retrieved AutomationRule
	db.First(&retrieved, "id = ?", "rule-1")
	if retrieved.ExecutionCount != 0 {
		t.Errorf("ExecutionCount = %d, want 0", retrieved.ExecutionCount)
	}
	if retrieved.LastExecutedAt != nil {
		t.Error("LastExecutedAt should start unset")
	}
}

func TestRuleExecutionLogAppend(t *testing.T) {
	db := setupTestDB(t)

	entry := &RuleExecutionLog{
		ID:             "log-1",
		RuleID:         "rule-1",
		RuleName:       "Pause seeded",
		ExecutionType:  ExecutionTypeScheduled,
		ItemsProcessed: 3,
		Success:        true,
		ExecutedAt:     time.Now(),
	}
	if err := db.Create(entry).Error; err != nil {
		t.Fatal(err)
	}

	var retrieved RuleExecutionLog
	if err := db.First(&retrieved, "id = ?", "log-1").Error; err != nil {
		t.Fatal(err)
	}
	if retrieved.ItemsProcessed != 3 {
		t.Errorf("ItemsProcessed = %d, want 3", retrieved.ItemsProcessed)
	}
}

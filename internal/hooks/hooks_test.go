package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torboard/torboard/internal/database"
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
	gormDB.AutoMigrate(&database.Webhook{})
	return &database.DB{DB: gormDB}
}

func waitFor(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for counter.Load() < want && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := counter.Load(); got != want {
		t.Errorf("deliveries = %d, want %d", got, want)
	}
}

func TestCreateWebhook(t *testing.T) {
	m := New(setupTestDB(t))

	webhook, err := m.CreateWebhook("test", "http://example.com/hook", []string{EventRuleExecuted})
	if err != nil {
		t.Fatal(err)
	}
	if webhook.ID == 0 {
		t.Error("webhook ID should be assigned")
	}
	if !webhook.Enabled {
		t.Error("new webhooks start enabled")
	}

	webhooks, err := m.ListWebhooks()
	if err != nil {
		t.Fatal(err)
	}
	if len(webhooks) != 1 {
		t.Errorf("webhooks = %d, want 1", len(webhooks))
	}
}

func TestEmitDeliversToSubscriber(t *testing.T) {
	m := New(setupTestDB(t))

	var delivered atomic.Int32
	var gotEvent Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotEvent)
		delivered.Add(1)
	}))
	defer server.Close()

	if _, err := m.CreateWebhook("sub", server.URL, []string{EventRuleExecuted}); err != nil {
		t.Fatal(err)
	}

	m.Emit(context.Background(), NewEvent(EventRuleExecuted).WithRule("r1", "Pause finished", 3))
	waitFor(t, &delivered, 1)

	if gotEvent.Type != EventRuleExecuted {
		t.Errorf("event type = %q, want %q", gotEvent.Type, EventRuleExecuted)
	}
	if gotEvent.Rule == nil || gotEvent.Rule.ID != "r1" || gotEvent.Rule.Items != 3 {
		t.Errorf("event rule = %+v", gotEvent.Rule)
	}
}

func TestEmitSkipsUnsubscribedEvents(t *testing.T) {
	m := New(setupTestDB(t))

	var delivered atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
	}))
	defer server.Close()

	if _, err := m.CreateWebhook("sub", server.URL, []string{EventRuleExecuted}); err != nil {
		t.Fatal(err)
	}

	m.Emit(context.Background(), NewEvent(EventPollFailed).WithAccount("a1"))
	time.Sleep(200 * time.Millisecond)

	if delivered.Load() != 0 {
		t.Errorf("deliveries = %d, want 0 for unsubscribed event", delivered.Load())
	}
}

func TestEmitWildcardSubscription(t *testing.T) {
	m := New(setupTestDB(t))

	var delivered atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
	}))
	defer server.Close()

	if _, err := m.CreateWebhook("all", server.URL, []string{"*"}); err != nil {
		t.Fatal(err)
	}

	m.Emit(context.Background(), NewEvent(EventRuleMatched))
	m.Emit(context.Background(), NewEvent(EventPollFailed))
	waitFor(t, &delivered, 2)
}

func TestEmitSkipsDisabledWebhooks(t *testing.T) {
	db := setupTestDB(t)
	m := New(db)

	var delivered atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
	}))
	defer server.Close()

	webhook, err := m.CreateWebhook("off", server.URL, []string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	db.Model(webhook).Update("enabled", false)

	m.Emit(context.Background(), NewEvent(EventRuleExecuted))
	time.Sleep(200 * time.Millisecond)

	if delivered.Load() != 0 {
		t.Errorf("deliveries = %d, want 0 for disabled webhook", delivered.Load())
	}
}

func TestEmitSetsCustomHeaders(t *testing.T) {
	db := setupTestDB(t)
	m := New(db)

	var delivered atomic.Int32
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Auth")
		delivered.Add(1)
	}))
	defer server.Close()

	webhook, err := m.CreateWebhook("auth", server.URL, []string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	db.Model(webhook).Update("headers", []byte(`{"X-Auth":"secret"}`))

	m.Emit(context.Background(), NewEvent(EventRuleExecuted))
	waitFor(t, &delivered, 1)

	if gotAuth != "secret" {
		t.Errorf("X-Auth = %q, want secret", gotAuth)
	}
}

func TestIsValidEvent(t *testing.T) {
	valid := append(AllEvents(), "*", "RULE.EXECUTED")
	for _, e := range valid {
		if !IsValidEvent(e) {
			t.Errorf("IsValidEvent(%q) = false, want true", e)
		}
	}

	for _, e := range []string{"", "rule", "download.finished"} {
		if IsValidEvent(e) {
			t.Errorf("IsValidEvent(%q) = true, want false", e)
		}
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventRuleFailed).
		WithAccount("a1").
		WithRule("r1", "Cleanup", 2).
		WithItem("i1", "file.iso", "error", 0.5).
		WithError("ACTION_ERROR", "control failed")

	if event.Type != EventRuleFailed {
		t.Errorf("Type = %q", event.Type)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if event.Account != "a1" {
		t.Errorf("Account = %q", event.Account)
	}
	if event.Rule == nil || event.Rule.Name != "Cleanup" {
		t.Errorf("Rule = %+v", event.Rule)
	}
	if event.Item == nil || event.Item.Progress != 0.5 {
		t.Errorf("Item = %+v", event.Item)
	}
	if event.Error == nil || event.Error.Code != "ACTION_ERROR" {
		t.Errorf("Error = %+v", event.Error)
	}
}

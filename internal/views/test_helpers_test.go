package views

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/cache"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDProvider struct {
	mu    sync.Mutex
	count int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return fmt.Sprintf("view-%04d", p.count), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "views.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&ViewEvent{}); err != nil {
		t.Fatalf("failed to migrate content views: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(openTestDatabase(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

type testHarness struct {
	service *Service
	store   *Store
	clock   *fakeClock
	cache   *cache.MemoryStore
}

func newTestHarness(t *testing.T) testHarness {
	t.Helper()
	clock := newFakeClock()
	store := newTestStore(t)
	memory := cache.NewMemoryStore(clock.Now)
	service, err := NewService(ServiceConfig{
		Store:       store,
		Cache:       memory,
		Clock:       clock.Now,
		IDProvider:  &sequenceIDProvider{},
		DedupWindow: 600 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return testHarness{service: service, store: store, clock: clock, cache: memory}
}

func insertEvent(t *testing.T, store *Store, event ViewEvent) {
	t.Helper()
	if err := store.db.Create(&event).Error; err != nil {
		t.Fatalf("failed to insert view %s: %v", event.ID, err)
	}
}

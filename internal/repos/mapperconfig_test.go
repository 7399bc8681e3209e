package repos

import (
	"context"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/repos/testutil"
	"github.com/personakit/personakit-backend/internal/types"
)

func seedMapperVersions(t *testing.T, repo MapperConfigRepo, configID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		cfg := &types.MapperConfig{
			ConfigID: configID,
			Document: []byte(`{"metadata":{"id":"` + configID + `"}}`),
		}
		if err := repo.CreateNextVersion(context.Background(), nil, cfg); err != nil {
			t.Fatalf("seed version %d: %v", i+1, err)
		}
	}
}

func TestCreateNextVersionIncrements(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewMapperConfigRepo(gdb, testutil.NewTestLogger(t))

	seedMapperVersions(t, repo, "daily-optimizer", 3)

	versions, err := repo.ListVersions(context.Background(), nil, "daily-optimizer")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("versions: want=3 got=%d", len(versions))
	}
	// ListVersions orders newest first.
	if versions[0].Version != 3 || versions[2].Version != 1 {
		t.Fatalf("version ordering: got=%d..%d", versions[0].Version, versions[2].Version)
	}
	for _, v := range versions {
		if v.Status != types.MapperStatusDraft {
			t.Fatalf("new versions must be drafts, v%d is %s", v.Version, v.Status)
		}
	}
}

func TestActivateDeprecatesPriorActive(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewMapperConfigRepo(gdb, testutil.NewTestLogger(t))
	ctx := context.Background()

	seedMapperVersions(t, repo, "daily-optimizer", 2)

	if _, err := repo.Activate(ctx, nil, "daily-optimizer", 1); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	if _, err := repo.Activate(ctx, nil, "daily-optimizer", 2); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	active, err := repo.GetActive(ctx, nil, "daily-optimizer")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.Version != 2 {
		t.Fatalf("active version: want=2 got=%d", active.Version)
	}

	v1, err := repo.GetVersion(ctx, nil, "daily-optimizer", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Status != types.MapperStatusDeprecated {
		t.Fatalf("v1 status: want=deprecated got=%s", v1.Status)
	}
}

func TestActivateUnknownVersionFails(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewMapperConfigRepo(gdb, testutil.NewTestLogger(t))

	seedMapperVersions(t, repo, "daily-optimizer", 1)

	if _, err := repo.Activate(context.Background(), nil, "daily-optimizer", 9); err == nil {
		t.Fatalf("activating a missing version must fail")
	}
}

// Many goroutines race to activate different versions of the same config.
// Whatever the interleaving, exactly one version may end up active.
func TestConcurrentActivationLeavesSingleActive(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewMapperConfigRepo(gdb, testutil.NewTestLogger(t))
	ctx := context.Background()

	const versions = 5
	seedMapperVersions(t, repo, "daily-optimizer", versions)

	var wg sync.WaitGroup
	for v := 1; v <= versions; v++ {
		wg.Add(1)
		go func(version int) {
			defer wg.Done()
			err := gdb.Transaction(func(tx *gorm.DB) error {
				_, err := repo.Activate(ctx, tx, "daily-optimizer", version)
				return err
			})
			if err != nil {
				t.Errorf("activate v%d: %v", version, err)
			}
		}(v)
	}
	wg.Wait()

	var activeCount int64
	err := gdb.Model(&types.MapperConfig{}).
		Where("config_id = ? AND status = ?", "daily-optimizer", types.MapperStatusActive).
		Count(&activeCount).Error
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if activeCount != 1 {
		t.Fatalf("active versions after race: want=1 got=%d", activeCount)
	}
}

func TestRecordUsage(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewMapperConfigRepo(gdb, testutil.NewTestLogger(t))
	ctx := context.Background()

	seedMapperVersions(t, repo, "daily-optimizer", 1)
	cfg, err := repo.GetVersion(ctx, nil, "daily-optimizer", 1)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}

	if err := repo.RecordUsage(ctx, nil, cfg.ID); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := repo.RecordUsage(ctx, nil, cfg.ID); err != nil {
		t.Fatalf("record usage again: %v", err)
	}

	cfg, err = repo.GetVersion(ctx, nil, "daily-optimizer", 1)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.UsageCount != 2 {
		t.Fatalf("usage count: want=2 got=%d", cfg.UsageCount)
	}
	if cfg.LastUsedAt == nil {
		t.Fatalf("last_used_at should be set")
	}
}

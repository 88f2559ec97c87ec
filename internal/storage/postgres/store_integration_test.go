package postgres

import (
	"context"
	"testing"
	"time"
)

func TestStore_PostgresPingAndSchema(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	// Повторное применение миграций должно быть no-op.
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if version == 0 || count == 0 {
		t.Fatalf("expected applied migrations, got version=%d count=%d", version, count)
	}
}

func TestStore_PostgresMigrateDownUp(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	versionBefore, countBefore, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("status before rollback: %v", err)
	}

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("migrate down one step: %v", err)
	}

	versionAfter, countAfter, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("status after rollback: %v", err)
	}
	if countAfter != countBefore-1 {
		t.Fatalf("expected one migration rolled back, count %d -> %d", countBefore, countAfter)
	}
	if versionAfter >= versionBefore {
		t.Fatalf("expected version to decrease, %d -> %d", versionBefore, versionAfter)
	}

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate back up: %v", err)
	}
}

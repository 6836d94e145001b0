package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quantfoundry/algoexec/internal/persistence"
	"github.com/quantfoundry/algoexec/internal/persistence/migrations"
	pgstore "github.com/quantfoundry/algoexec/internal/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "algoexec"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/algoexec?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func serializedState(groupID string) json.RawMessage {
	state := map[string]any{
		"groupId":     groupID,
		"strategyId":  "twap",
		"args":        map[string]any{"symbol": "BTC-USD", "amount": "-0.2", "sliceAmount": "-0.1"},
		"clientIdSeq": 2,
	}
	data, _ := json.Marshal(state)
	return data
}

func TestPostgresSnapshotRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewStore(testPool)

	groupID := "grp-" + uuid.NewString()
	snap := persistence.Snapshot{
		GroupID:         groupID,
		StrategyID:      "twap",
		SerializedState: serializedState(groupID),
		Active:          true,
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Get(ctx, groupID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.StrategyID != "twap" || !loaded.Active {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.CreatedAt.IsZero() || loaded.LastActiveAt.IsZero() {
		t.Fatal("timestamps not stamped by the store")
	}

	var state map[string]any
	if err := json.Unmarshal(loaded.SerializedState, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state["groupId"] != groupID {
		t.Fatalf("state groupId = %v, want %s", state["groupId"], groupID)
	}
}

func TestPostgresSaveIsUpsert(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewStore(testPool)

	groupID := "grp-" + uuid.NewString()
	snap := persistence.Snapshot{
		GroupID:         groupID,
		StrategyID:      "accumulate",
		SerializedState: serializedState(groupID),
		Active:          true,
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("first save: %v", err)
	}
	first, err := store.Get(ctx, groupID)
	if err != nil {
		t.Fatalf("get after first save: %v", err)
	}

	snap.SerializedState = json.RawMessage(`{"clientIdSeq":9}`)
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("second save: %v", err)
	}
	second, err := store.Get(ctx, groupID)
	if err != nil {
		t.Fatalf("get after second save: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("createdAt changed on upsert: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if string(second.SerializedState) != `{"clientIdSeq":9}` {
		t.Fatalf("state not replaced: %s", second.SerializedState)
	}
}

func TestPostgresListActiveAndDeactivate(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewStore(testPool)

	active := "grp-" + uuid.NewString()
	stopped := "grp-" + uuid.NewString()
	for _, groupID := range []string{active, stopped} {
		snap := persistence.Snapshot{
			GroupID:         groupID,
			StrategyID:      "twap",
			SerializedState: serializedState(groupID),
			Active:          true,
		}
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("save %s: %v", groupID, err)
		}
	}
	if err := store.Deactivate(ctx, stopped); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	snapshots, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	seen := make(map[string]bool, len(snapshots))
	for _, snap := range snapshots {
		seen[snap.GroupID] = true
	}
	if !seen[active] {
		t.Fatalf("active group %s missing from list", active)
	}
	if seen[stopped] {
		t.Fatalf("deactivated group %s still listed", stopped)
	}
}

func TestPostgresDeactivateUnknownGroup(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	if err := pgstore.NewStore(testPool).Deactivate(context.Background(), "grp-missing"); err == nil {
		t.Fatal("expected error for unknown group")
	}
}

func TestPostgresDeleteIsIdempotent(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewStore(testPool)

	groupID := "grp-" + uuid.NewString()
	snap := persistence.Snapshot{
		GroupID:         groupID,
		StrategyID:      "twap",
		SerializedState: serializedState(groupID),
		Active:          true,
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, groupID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, groupID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.Get(ctx, groupID); err == nil {
		t.Fatal("deleted snapshot still readable")
	}
}

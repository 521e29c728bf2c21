package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/helmd/helmd/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return clickHouseContainer, host + ":" + port.Port()
}

func setupSinkWithTable(ctx context.Context, t *testing.T, dsn, tableName string) *Sink {
	t.Helper()

	sink, err := New(dsn, tableName)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	err = sink.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			occurred_at DateTime64(6),
			kind String,
			profile_id String,
			workflow_id String,
			event_type String,
			status String,
			pid Int32,
			exit_code Int32,
			detail String
		) ENGINE = MergeTree() ORDER BY occurred_at`)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return sink
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, dsn := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	sink := setupSinkWithTable(ctx, t, dsn, "launch_history_test")
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	e := history.Event{
		Kind:       history.KindStreamEvent,
		ProfileID:  "p1",
		EventType:  "AUDIT_COMPLETED",
		Status:     "ok",
		OccurredAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("Send: %v", err)
	}

	row := sink.conn.QueryRow(ctx, `SELECT COUNT(*) FROM launch_history_test WHERE profile_id = 'p1'`)
	var count uint64
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

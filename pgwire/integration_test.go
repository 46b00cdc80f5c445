package pgwire_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rowstream/cdc/endpoint"
	"github.com/rowstream/cdc/event"
	"github.com/rowstream/cdc/pgwire"
)

const (
	integrationUser     = "postgres"
	integrationPassword = "test"
	integrationDB       = "test"
)

// startPostgres launches a PostgreSQL container with wal_level=logical,
// which is a boot-time setting and so cannot be enabled with a plain
// ALTER SYSTEM after startup. No testcontainers Postgres module is in the
// dependency set, so this drives the generic container API directly.
func startPostgres(t *testing.T) string {
	t.Helper()

	ctx := t.Context()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     integrationUser,
			"POSTGRES_PASSWORD": integrationPassword,
			"POSTGRES_DB":       integrationDB,
		},
		Cmd:        []string{"postgres", "-c", "wal_level=logical", "-c", "max_replication_slots=4", "-c", "max_wal_senders=4"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("get port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestReplicationProducesInsertUpdateDeleteEvents(t *testing.T) {
	addr := startPostgres(t)
	ctx := t.Context()

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", integrationUser, integrationPassword, addr, integrationDB)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, "CREATE TABLE widgets (id INT PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE PUBLICATION cdc_pub FOR TABLE widgets"); err != nil {
		t.Fatalf("create publication: %v", err)
	}
	if _, err := db.ExecContext(ctx, "SELECT pg_create_logical_replication_slot('cdc_slot', 'wal2json')"); err != nil {
		t.Fatalf("create replication slot: %v", err)
	}

	ep, err := endpoint.ParsePostgres(fmt.Sprintf("tcp://%s:%s@%s/%s?slot=cdc_slot", integrationUser, integrationPassword, addr, integrationDB))
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}

	client, err := pgwire.Connect(ctx, ep)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	sess, err := pgwire.StartReplication(ctx, client, pgwire.StartOptions{
		Slot:               ep.Slot,
		CheckpointInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("start replication: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	if _, err := db.ExecContext(ctx, "INSERT INTO widgets (id, name) VALUES (1, 'sprocket')"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE widgets SET name = 'cog' WHERE id = 1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM widgets WHERE id = 1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var insert, update, del event.RowEvent
	var haveInsert, haveUpdate, haveDelete bool
	for !haveInsert || !haveUpdate || !haveDelete {
		ev, checkpoint, err := recvWithDeadline(t, sess)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if checkpoint {
			continue
		}
		if ev.Table != "widgets" {
			continue
		}
		switch ev.Kind {
		case event.KindInsert:
			insert, haveInsert = ev, true
		case event.KindUpdate:
			update, haveUpdate = ev, true
		case event.KindDelete:
			del, haveDelete = ev, true
		}
	}

	if insert.Columns[1].Value.Str != "sprocket" {
		t.Errorf("insert name = %q", insert.Columns[1].Value.Str)
	}
	if update.Identity[1].Value.Str != "sprocket" || update.Columns[1].Value.Str != "cog" {
		t.Errorf("update before/after wrong: %+v", update)
	}
	if del.Identity[1].Value.Str != "cog" {
		t.Errorf("delete identity wrong: %+v", del)
	}
}

func recvWithDeadline(t *testing.T, sess *pgwire.Session) (event.RowEvent, bool, error) {
	t.Helper()
	type result struct {
		ev         event.RowEvent
		checkpoint bool
		err        error
	}
	done := make(chan result, 1)
	go func() {
		ev, checkpoint, err := sess.Recv()
		done <- result{ev, checkpoint, err}
	}()
	select {
	case r := <-done:
		return r.ev, r.checkpoint, r.err
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for a WAL event")
		return event.RowEvent{}, false, nil
	}
}

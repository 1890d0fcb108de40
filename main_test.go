package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus/hooks/test"

	"tasklist-api/domain"
	"tasklist-api/storage"
)

func TestRedisOptions(t *testing.T) {
	opts := redisOptions("redis://:secret@cache:6380/2")
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options from url: %+v", opts)
	}

	opts = redisOptions("tasks.redis.cache.windows.net:6380,password=pw,ssl=True,abortConnect=False")
	if opts.Addr != "tasks.redis.cache.windows.net:6380" {
		t.Fatalf("unexpected addr %q", opts.Addr)
	}
	if opts.Password != "pw" {
		t.Fatalf("unexpected password %q", opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Fatalf("expected tls for ssl=True")
	}

	opts = redisOptions("localhost:6379")
	if opts.Addr != "localhost:6379" || opts.TLSConfig != nil {
		t.Fatalf("unexpected options for bare address: %+v", opts)
	}
}

func TestCheckOrderRepairsWhenEnabled(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "tasks.db")

	store, err := storage.Open(ctx, storage.Options{Driver: storage.DriverSQLite, DSN: path, Logger: logger})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var ids []int64
	for _, name := range []string{"A", "B", "C"} {
		task, err := store.Create(ctx, domain.TaskInput{Name: name, Cost: 1, DueDate: "2025-03-01"})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		ids = append(ids, task.ID)
	}

	if err := checkOrder(ctx, store, false, logger); err != nil {
		t.Fatalf("dense sequence should pass: %v", err)
	}

	raw, err := sqlx.Open(storage.DriverSQLite, "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	if _, err := raw.ExecContext(ctx, `UPDATE tasks SET sort_order = 7 WHERE id = ?`, ids[1]); err != nil {
		t.Fatalf("corrupt order: %v", err)
	}

	err = checkOrder(ctx, store, false, logger)
	if !errors.Is(err, storage.ErrSequenceBroken) {
		t.Fatalf("expected broken sequence, got %v", err)
	}

	if err := checkOrder(ctx, store, true, logger); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if hook.LastEntry() == nil {
		t.Fatalf("expected the repair to be logged")
	}
	tasks, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for i, task := range tasks {
		if task.Order != i+1 {
			t.Fatalf("task %s has order %d, want %d", task.Name, task.Order, i+1)
		}
		got = append(got, task.Name)
	}
	if want := []string{"A", "C", "B"}; len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("unexpected order %v, want %v", got, want)
	}
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "spidersched/pkg/logx"
)

func openTestStore(t *testing.T, driver string) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spidersched.db")
	st, err := Open(Config{Driver: driver, Path: path, TailSize: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) = %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path should fail")
	}
}

func TestRecentTriggers(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTestStore(t, driver)
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

			recs := []TriggerRecord{
				{TaskID: "t1", At: base, Project: "careerTalk", Spider: "NJU", Attempt: 1, JobID: "j1", Duration: 120 * time.Millisecond},
				{TaskID: "t2", At: base.Add(time.Second), Project: "other", Spider: "X", Attempt: 1, Error: "boom"},
				{TaskID: "t3", At: base.Add(2 * time.Second), Project: "careerTalk", Spider: "BIT", Attempt: 2, JobID: "j3"},
			}
			for _, r := range recs {
				if err := st.AppendTrigger(ctx, r); err != nil {
					t.Fatalf("AppendTrigger() = %v", err)
				}
			}

			got, err := st.RecentTriggers(ctx, "careerTalk", 10)
			if err != nil {
				t.Fatalf("RecentTriggers() = %v", err)
			}
			if len(got) != 2 || got[0].TaskID != "t3" || got[1].TaskID != "t1" {
				t.Fatalf("careerTalk = %+v", got)
			}
			if got[1].JobID != "j1" || got[1].Duration != 120*time.Millisecond || !got[1].At.Equal(base) {
				t.Fatalf("round trip = %+v", got[1])
			}

			all, err := st.RecentTriggers(ctx, "", 2)
			if err != nil {
				t.Fatalf("RecentTriggers(all) = %v", err)
			}
			if len(all) != 2 || all[0].TaskID != "t3" || all[1].Error != "boom" || all[1].OK() {
				t.Fatalf("all = %+v", all)
			}
		})
	}
}

func TestFileStoreReloadsBoundedTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hist.db")
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: path, TailSize: 2}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"a", "b", "c"} {
		_ = st.AppendTrigger(ctx, TriggerRecord{TaskID: id, Project: "p", Spider: "s", Attempt: i + 1})
	}
	_ = st.Close()

	// A torn trailing line must not break reload.
	f, err := os.OpenFile(filepath.Join(filepath.Dir(path), "hist.triggers.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"task_id":"torn"`)
	_ = f.Close()

	st, err = Open(Config{Driver: "file", Path: path, TailSize: 2}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, _ := st.RecentTriggers(ctx, "", 10)
	if len(got) != 2 || got[0].TaskID != "c" || got[1].TaskID != "b" {
		t.Fatalf("tail = %+v", got)
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTestStore(t, driver)
			ctx := context.Background()
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

			if _, ok, err := st.GetDedup(ctx, "k"); ok || err != nil {
				t.Fatalf("GetDedup(missing) = %v, %v", ok, err)
			}
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatalf("PutDedup() = %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup() = %s, %v, %v", got, ok, err)
			}
		})
	}
}

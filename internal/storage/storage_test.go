package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "crontimer/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openTest(t *testing.T, driver string, keep int) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history."+driver)
	st, err := Open(Config{Driver: driver, Path: path, Keep: keep, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Logger{})
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestStoreAppendRecent(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTest(t, driver, 0)
			defer st.Close()

			for i := 0; i < 3; i++ {
				at := t0.Add(time.Duration(i) * time.Minute)
				if err := st.Append(ctx, Record{Trigger: "a", Kind: KindFired, At: at, Next: at.Add(time.Minute)}); err != nil {
					t.Fatalf("Append error: %v", err)
				}
			}
			if err := st.Append(ctx, Record{Trigger: "b", Kind: KindFailed, At: t0, Err: "boom"}); err != nil {
				t.Fatalf("Append error: %v", err)
			}

			got, err := st.Recent(ctx, "a", 2)
			if err != nil {
				t.Fatalf("Recent error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Recent returned %d records, want 2", len(got))
			}
			if !got[0].At.Equal(t0.Add(time.Minute)) || !got[1].At.Equal(t0.Add(2*time.Minute)) {
				t.Fatalf("Recent order = %v, %v; want oldest first", got[0].At, got[1].At)
			}
			if !got[1].Next.Equal(t0.Add(3 * time.Minute)) {
				t.Fatalf("Next = %v", got[1].Next)
			}

			b, err := st.Recent(ctx, "b", 0)
			if err != nil || len(b) != 1 || b[0].Err != "boom" || b[0].Kind != KindFailed {
				t.Fatalf("Recent(b) = %+v, %v", b, err)
			}
			if !b[0].Next.IsZero() {
				t.Fatalf("failed record Next = %v, want zero", b[0].Next)
			}
		})
	}
}

func TestFileStoreReplaysAndKeeps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, path := openTest(t, "file", 2)
	for i := 0; i < 5; i++ {
		if err := st.Append(ctx, Record{Trigger: "a", Kind: KindFired, At: t0.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	re, err := Open(Config{Driver: "file", Path: path, Keep: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer re.Close()
	got, err := re.Recent(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[1].At.Equal(t0.Add(4*time.Second)) {
		t.Fatalf("replayed %+v, want last 2 records", got)
	}
}

func TestSQLitePrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTest(t, "sqlite", 3)
	defer st.Close()

	for i := 0; i < 10; i++ {
		if err := st.Append(ctx, Record{Trigger: "a", Kind: KindFired, At: t0.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.(*sqliteStore).prune(ctx); err != nil {
		t.Fatalf("prune error: %v", err)
	}
	got, err := st.Recent(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || !got[0].At.Equal(t0.Add(7*time.Second)) {
		t.Fatalf("after prune = %+v, want last 3 records", got)
	}
}

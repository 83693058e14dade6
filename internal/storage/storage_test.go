package storage

import (
	"context"
	"path/filepath"
	"testing"

	"livebot/pkg/logx"
)

type sample struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	IDs   []int64 `json:"ids"`
}

func drivers(t *testing.T) map[string]Config {
	t.Helper()
	return map[string]Config{
		"file":   {Driver: "file", Path: t.TempDir()},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(t.TempDir(), "livebot.db")},
	}
}

func TestLoadMissingDataset(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()

			var v sample
			found, err := st.Load(context.Background(), "nope", &v)
			if err != nil {
				t.Fatal(err)
			}
			if found {
				t.Fatal("found=true for a dataset that was never saved")
			}
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()
			ctx := context.Background()

			in := sample{Name: "alice", Count: 3, IDs: []int64{1, 2, 3}}
			if err := st.Save(ctx, "sample", in); err != nil {
				t.Fatal(err)
			}
			// Overwrite replaces, not merges.
			in.Count = 4
			if err := st.Save(ctx, "sample", in); err != nil {
				t.Fatal(err)
			}

			var out sample
			found, err := st.Load(ctx, "sample", &out)
			if err != nil {
				t.Fatal(err)
			}
			if !found {
				t.Fatal("dataset not found after save")
			}
			if out.Count != 4 || out.Name != "alice" || len(out.IDs) != 3 {
				t.Fatalf("round-trip mismatch: %+v", out)
			}
		})
	}
}

func TestDisabledDriver(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestFileRejectsPathTraversal(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Save(context.Background(), "../escape", sample{}); err == nil {
		t.Fatal("expected error for dataset name with path separator")
	}
}

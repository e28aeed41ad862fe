package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giftline/recon/pkg/testutil"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(testutil.Dedent(`
		debug: true
		recycle:
		  capacity: 4
		diff:
		  max_probe: 16
		journal:
		  path: /tmp/j.db
		watch:
		  debounce: 250ms
		`)))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Debug = true
	want.Recycle.Capacity = 4
	want.Diff.MaxProbe = 16
	want.Journal.Path = "/tmp/j.db"
	want.Watch.Debounce = 250 * time.Millisecond
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parse (-want +got):\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte("recycle: [")); err == nil {
		t.Errorf("Parse of bad YAML -> nil error")
	}
	_, err := Parse([]byte("recycle: {capacity: -1}\ntransport: {buffer: -2}"))
	if !errors.Is(err, ErrNegative) {
		t.Errorf("Parse of negative bounds -> %v, want ErrNegative", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil || !cmp.Equal(cfg, Default()) {
		t.Errorf("Load of missing file -> %+v, %v; want defaults", cfg, err)
	}
	path := filepath.Join(dir, "recon.yaml")
	os.WriteFile(path, []byte("log: {file: recon.log}\n"), 0o644)
	cfg, err = Load(path)
	if err != nil || cfg.Log.File != "recon.log" {
		t.Errorf("Load -> %+v, %v", cfg, err)
	}
}

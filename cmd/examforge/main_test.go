package main

import (
	"testing"
	"time"

	"github.com/pavelanni/examforge/internal/store"
)

func TestSeedAdmin(t *testing.T) {
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := seedAdmin(db, ""); err == nil {
		t.Fatal("expected error without a password")
	}
	if err := seedAdmin(db, "secret"); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	// A second call with no password is a no-op once users exist.
	if err := seedAdmin(db, ""); err != nil {
		t.Fatalf("seedAdmin again: %v", err)
	}
	n, err := db.UserCount()
	if err != nil || n != 1 {
		t.Errorf("UserCount = %d, %v; want 1", n, err)
	}
	admin, _ := db.GetUserByUsername("admin")
	if admin == nil || admin.Role != "admin" {
		t.Errorf("admin = %+v", admin)
	}
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	want := []string{"serve", "extract", "grade", "generate", "plan", "export"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	if root.Flags().Lookup("addr") == nil {
		t.Error("serve flags not registered on root")
	}
}

func TestViperForCmdEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EXAMFORGE_BATCH_SIZE", "3")
	t.Setenv("EXAMFORGE_DISPATCH_TIMEOUT", "45s")

	v := viperForCmd(planCmd())
	cfg := pipelineConfig(v)
	if cfg.BatchSize != 3 || cfg.DispatchTimeout != 45*time.Second {
		t.Errorf("pipeline config = %+v", cfg)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want flag default 5", cfg.MaxAttempts)
	}
	if v.GetInt("days") != 7 {
		t.Errorf("days = %d", v.GetInt("days"))
	}
}

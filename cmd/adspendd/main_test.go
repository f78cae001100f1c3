package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/adspend/internal/config"
	"github.com/MarkoPoloResearchLab/adspend/internal/store/gormstore"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://adspend@localhost/adspend", wantDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://adspend@localhost/adspend", wantDriver: driverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(directory, "a.db"), wantDriver: driverSQLite, wantPath: filepath.Join(directory, "a.db")},
		{name: "bare path", dsn: filepath.Join(directory, "nested", "b.db"), wantDriver: driverSQLite, wantPath: filepath.Join(directory, "nested", "b.db")},
		{name: "memory", dsn: ":memory:", wantDriver: driverSQLite, wantPath: ":memory:"},
	}
	for _, testCase := range testCases {
		driver, path, err := resolveDriver(testCase.dsn)
		if err != nil {
			test.Fatalf("%s: %v", testCase.name, err)
		}
		if driver != testCase.wantDriver || path != testCase.wantPath {
			test.Fatalf("%s: got driver=%s path=%s", testCase.name, driver, path)
		}
	}
}

func TestLoadConfigAppliesFlags(test *testing.T) {
	test.Parallel()
	cmd := newRootCommand()
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "flags.db")
	if err := cmd.PersistentFlags().Parse([]string{"--" + flagDatabaseURL, databaseURL, "--" + flagLogLevel, "debug"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{}
	if err := loadConfig(cmd, config.NewViper(), cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != databaseURL || cfg.Log.Level != "debug" {
		test.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.GRPC.ListenAddr != ":7000" {
		test.Fatalf("defaults must survive unset flags, got %q", cfg.GRPC.ListenAddr)
	}
}

func TestRunMigrateCreatesSchema(test *testing.T) {
	test.Parallel()
	v := config.NewViper()
	v.Set(config.KeyDatabaseURL, "sqlite://"+filepath.Join(test.TempDir(), "migrate.db"))
	v.Set(config.KeyLogLevel, "error")
	cfg, err := config.Load(v)
	if err != nil {
		test.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	if err := runMigrate(ctx, cfg); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	db, cleanup, _, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		test.Fatalf("reopen: %v", err)
	}
	defer func() { _ = cleanup() }()
	for _, model := range gormstore.Models() {
		if !db.Migrator().HasTable(model) {
			test.Fatalf("missing table for %T", model)
		}
	}
}

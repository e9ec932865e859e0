package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/usersaga/usersaga/config"
	"github.com/usersaga/usersaga/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.InfoLevel,
		Format: "json",
		Output: "stdout",
	})
}

func TestBuildStorage(t *testing.T) {
	log := testLogger()

	t.Run("memory with memory ledger", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Storage.Type = "memory"
		cfg.Storage.Ledger.Type = "memory"

		store, ledger, closer, err := buildStorage(cfg, log)
		if err != nil {
			t.Fatalf("buildStorage: %v", err)
		}
		defer closer()
		if store == nil || ledger == nil {
			t.Fatal("expected store and ledger")
		}
	})

	t.Run("memory with badger ledger", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Storage.Type = "memory"
		cfg.Storage.Ledger.Type = "badger"
		cfg.Storage.Ledger.Badger.Path = t.TempDir()
		cfg.Storage.Ledger.Badger.SyncWrites = false

		store, ledger, closer, err := buildStorage(cfg, log)
		if err != nil {
			t.Fatalf("buildStorage: %v", err)
		}
		defer closer()
		if store == nil || ledger == nil {
			t.Fatal("expected store and ledger")
		}
	})

	t.Run("sqlite serves both", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Storage.Type = "sqlite"
		cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "sagas.db")

		store, ledger, closer, err := buildStorage(cfg, log)
		if err != nil {
			t.Fatalf("buildStorage: %v", err)
		}
		defer closer()
		if store == nil || ledger == nil {
			t.Fatal("expected store and ledger")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Storage.Type = "postgres"

		if _, _, _, err := buildStorage(cfg, log); err == nil {
			t.Fatal("expected error for unknown storage type")
		}
	})
}

func TestBuildBroker(t *testing.T) {
	log := testLogger()

	cfg := config.DefaultConfig()
	cfg.Broker.Type = "memory"
	bus, err := buildBroker(cfg, log)
	if err != nil {
		t.Fatalf("buildBroker: %v", err)
	}
	if bus == nil {
		t.Fatal("expected broker")
	}

	cfg.Broker.Type = "nats"
	if _, err := buildBroker(cfg, log); err == nil {
		t.Fatal("expected error for unknown broker type")
	}
}

func TestBuildOverrides(t *testing.T) {
	// Save original values
	origAppName := *appName
	origBrokerType := *brokerType
	origLogLevel := *logLevel
	origDebugMode := *debugMode

	// Restore original values after test
	defer func() {
		*appName = origAppName
		*brokerType = origBrokerType
		*logLevel = origLogLevel
		*debugMode = origDebugMode
	}()

	// Test with no overrides
	*appName = ""
	*brokerType = ""
	*logLevel = ""
	*debugMode = false

	overrides := buildOverrides()
	if len(overrides) != 0 {
		t.Errorf("Expected empty overrides, got %d items", len(overrides))
	}

	// Test with all overrides
	*appName = "test-app"
	*brokerType = "redis"
	*logLevel = "debug"
	*debugMode = true

	overrides = buildOverrides()
	if len(overrides) != 4 {
		t.Errorf("Expected 4 overrides, got %d", len(overrides))
	}

	if overrides["app.name"] != "test-app" {
		t.Errorf("Expected app.name=test-app, got %v", overrides["app.name"])
	}
	if overrides["broker.type"] != "redis" {
		t.Errorf("Expected broker.type=redis, got %v", overrides["broker.type"])
	}
	if overrides["log.level"] != "debug" {
		t.Errorf("Expected log.level=debug, got %v", overrides["log.level"])
	}
	if overrides["app.debug"] != true {
		t.Errorf("Expected app.debug=true, got %v", overrides["app.debug"])
	}
}

func TestHotReloaderApply(t *testing.T) {
	log := testLogger()
	cfg := config.DefaultConfig()
	h := &hotReloader{current: config.ExtractHotReloadable(cfg), log: log}

	next := config.DefaultConfig()
	next.Log.Level = "debug"
	h.apply(next)

	if log.GetLevel() != logger.DebugLevel {
		t.Errorf("log level = %v, want %v", log.GetLevel(), logger.DebugLevel)
	}
	if h.current.LogLevel != "debug" {
		t.Errorf("tracked log level = %s, want debug", h.current.LogLevel)
	}

	// applying the same config again is a no-op
	before := log.GetLevel()
	h.apply(next)
	if log.GetLevel() != before {
		t.Errorf("unchanged config altered log level to %v", log.GetLevel())
	}
}

func TestPrintVersion(t *testing.T) {
	// Redirect stdout to capture output
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printVersion()

	w.Close()
	os.Stdout = oldStdout

	// Read captured output
	buf := make([]byte, 1024)
	n, _ := r.Read(buf)
	output := string(buf[:n])

	expectedStrings := []string{"usersaga", "Version:", "Build Time:", "Git Commit:", "Go Version:"}
	for _, expected := range expectedStrings {
		if !strings.Contains(output, expected) {
			t.Errorf("Expected output to contain %q, but it didn't. Output: %s", expected, output)
		}
	}
}

func TestPrintHelp(t *testing.T) {
	// Redirect stdout to capture output
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printHelp()

	w.Close()
	os.Stdout = oldStdout

	// Read captured output
	buf := make([]byte, 2048)
	n, _ := r.Read(buf)
	output := string(buf[:n])

	expectedStrings := []string{"usersaga", "Usage:", "Options:", "Examples:"}
	for _, expected := range expectedStrings {
		if !strings.Contains(output, expected) {
			t.Errorf("Expected output to contain %q, but it didn't. Output: %s", expected, output)
		}
	}
}

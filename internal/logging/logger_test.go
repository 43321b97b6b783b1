package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func resetLoggingState() {
	loggersMu.Lock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	configMu.Lock()
	config = loggingConfig{}
	configLoaded = false
	configMu.Unlock()

	logsDir = ""
	workspace = ""
}

func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	configDir := filepath.Join(tempDir, ".kernel")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"boot": true,
				"gate": true,
				"controller": true,
				"ledger": true,
				"patch_safety": true,
				"replay": true,
				"bandit": true,
				"cli": true
			}
		}
	}`
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer resetLoggingState()

	categories := []Category{
		CategoryBoot, CategoryGate, CategoryController, CategoryLedger,
		CategoryPatchSafety, CategoryReplay, CategoryBandit, CategoryCLI,
	}

	var wg sync.WaitGroup
	for _, cat := range categories {
		wg.Add(1)
		go func(c Category) {
			defer wg.Done()
			Get(c).Info("test message for %s", c)
		}(cat)
	}
	wg.Wait()

	logsDirPath := filepath.Join(tempDir, ".kernel", "logs")
	entries, err := os.ReadDir(logsDirPath)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}
	if len(entries) != len(categories) {
		t.Errorf("expected %d log files, got %d", len(categories), len(entries))
	}
}

func TestCategoryDisabledIsNoOp(t *testing.T) {
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, ".kernel")
	os.MkdirAll(configDir, 0755)

	configContent := `{"logging":{"level":"debug","debug_mode":true,"categories":{"gate":false}}}`
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configContent), 0644)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer resetLoggingState()

	if IsCategoryEnabled(CategoryGate) {
		t.Fatal("expected gate category to be disabled")
	}

	logsDirPath := filepath.Join(tempDir, ".kernel", "logs")
	entries, _ := os.ReadDir(logsDirPath)
	for _, e := range entries {
		if strings.Contains(e.Name(), "_gate.log") {
			t.Fatalf("gate log file should not exist, found %s", e.Name())
		}
	}
}

func TestDebugModeOffProducesNoLogs(t *testing.T) {
	tempDir := t.TempDir()

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer resetLoggingState()

	Get(CategoryGate).Info("should be a no-op")

	logsDirPath := filepath.Join(tempDir, ".kernel", "logs")
	if _, err := os.Stat(logsDirPath); !os.IsNotExist(err) {
		t.Fatalf("logs dir should not exist when debug mode is off")
	}
}

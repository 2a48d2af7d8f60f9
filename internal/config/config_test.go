package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ratingstudy/internal/control"
	"ratingstudy/internal/logging"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("RATINGSTUDY_DATA_DIR", "/srv/study")

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Store.Path != filepath.Join("/srv/study", "study.db") {
		t.Errorf("unexpected store path %s", cfg.Store.Path)
	}
	if len(cfg.Study.Controls) != 4 {
		t.Errorf("expected 4 default controls, got %d", len(cfg.Study.Controls))
	}
	if cfg.Study.ClientVersion == "" {
		t.Error("default client version is empty")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "ratingstudy") {
		t.Errorf("config path should contain ratingstudy: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "study.toml", `
version = 1

[server]
addr = "127.0.0.1:9000"
allowed_origins = ["https://study.example.org"]

[store]
path = "/var/lib/study/ratings.db"

[study]
client_version = "v4"
seed = 42
completion_url = "https://app.prolific.com/submissions/complete?cc=C1"

[study.stimulus]
faces_per_sex = 3
ext = ".jpg"
dir = "faces"

[[study.controls]]
id = "attr"
prompt = "How attractive?"
min = 1
max = 9
default = 5

[[study.controls]]
id = "height"
prompt = "How tall?"
min = 1
max = 9
default = 5

[logging]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("allowed origins = %v", cfg.Server.AllowedOrigins)
	}
	if len(cfg.Study.Controls) != 2 || cfg.Study.Controls[0].ID != "attr" || cfg.Study.Controls[1].Max != 9 {
		t.Errorf("controls = %+v", cfg.Study.Controls)
	}
	if cfg.Study.Stimulus.FacesPerSex != 3 || cfg.Study.Stimulus.Ext != ".jpg" {
		t.Errorf("stimulus = %+v", cfg.Study.Stimulus)
	}
	if cfg.Study.Seed != 42 || cfg.Study.ClientVersion != "v4" {
		t.Errorf("study = %+v", cfg.Study)
	}
	if cfg.Study.CompletionURL != "https://app.prolific.com/submissions/complete?cc=C1" {
		t.Errorf("completion url = %q", cfg.Study.CompletionURL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.Limits.MessageBurst != DefaultConfig().Limits.MessageBurst {
		t.Errorf("limits were not defaulted: %+v", cfg.Limits)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	yamlPath := writeConfig(t, "study.yaml", `
server:
  addr: ":7000"
study:
  controls:
    - {id: Q1, prompt: One, min: 0, max: 10, default: 5}
`)
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if cfg.Server.Addr != ":7000" || len(cfg.Study.Controls) != 1 || cfg.Study.Controls[0].Max != 10 {
		t.Errorf("yaml config = %+v", cfg)
	}

	jsonPath := writeConfig(t, "study.json", `{"server": {"addr": ":7001"}, "limits": {"max_connections": 3}}`)
	cfg, err = Load(jsonPath)
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if cfg.Server.Addr != ":7001" || cfg.Limits.MaxConnections != 3 {
		t.Errorf("json config = %+v", cfg)
	}
	if len(cfg.Study.Controls) != 4 {
		t.Errorf("omitted controls should default, got %d", len(cfg.Study.Controls))
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := writeConfig(t, "bad.toml", "[server\naddr = ")
	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RATINGSTUDY_ADDR", ":9999")
	t.Setenv("RATINGSTUDY_STORE_SECRET", "0123456789abcdef0123")
	t.Setenv("RATINGSTUDY_LOG_LEVEL", "warn")
	t.Setenv("RATINGSTUDY_SEED", "7")
	t.Setenv("RATINGSTUDY_MAX_CONNECTIONS", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Store.Secret != "0123456789abcdef0123" {
		t.Error("secret override not applied")
	}
	if cfg.Logging.Level != "warn" || cfg.Study.Seed != 7 {
		t.Errorf("overrides not applied: %+v %+v", cfg.Logging, cfg.Study)
	}
	if cfg.Limits.MaxConnections != DefaultConfig().Limits.MaxConnections {
		t.Errorf("unparsable override should be ignored, got %d", cfg.Limits.MaxConnections)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = "no-port"
	cfg.Store.Path = ""
	cfg.Store.Secret = "short"
	cfg.Study.Controls = append(cfg.Study.Controls, control.Spec{ID: "Q1", Min: 1, Max: 7, Default: 4})
	cfg.Limits.MessagesPerSecond = 0
	cfg.Logging.Level = "loud"
	cfg.Logging.Output = "syslog"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	want := []string{
		"server.addr", "store.path", "store.secret", "study.controls",
		"limits.messages_per_second", "logging.level", "logging.output",
	}
	got := strings.Join(verrs.Fields(), ",")
	for _, f := range want {
		if !strings.Contains(got, f) {
			t.Errorf("missing error for %s in %s", f, got)
		}
	}
}

func TestValidateCompletionURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"", true},
		{"https://app.prolific.com/submissions/complete?cc=C1", true},
		{"http://localhost:8080/done", true},
		{"/done", false},
		{"javascript:alert(1)", false},
		{"https://", false},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Study.CompletionURL = tt.url
		err := cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tt.url, err)
		}
		if !tt.ok && (err == nil || !strings.Contains(err.Error(), "study.completion_url")) {
			t.Errorf("%q: expected completion_url error, got %v", tt.url, err)
		}
	}
}

func TestValidateFileOutputNeedsPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "logging.file_path") {
		t.Errorf("expected file_path error, got %v", err)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AllowedOrigins = []string{"https://a"}
	clone := cfg.Clone()
	clone.Server.AllowedOrigins[0] = "https://b"
	clone.Study.Controls[0].ID = "changed"

	if cfg.Server.AllowedOrigins[0] != "https://a" || cfg.Study.Controls[0].ID != "Q1" {
		t.Error("Clone shares slices with the original")
	}
}

func TestLoggingOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	opts := cfg.LoggingOptions("ratingd")
	if opts.Component != "ratingd" || opts.MaxSize != int64(cfg.Logging.MaxSizeMB) {
		t.Errorf("unexpected logging options %+v", opts)
	}

	cfg.Logging.AuditPath = ""
	if cfg.AuditOptions("ratingd") != nil {
		t.Error("empty audit path should disable the audit trail")
	}
}

func TestCrashOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.CrashDir = "/var/lib/ratingstudy/crashes"
	opts := cfg.CrashOptions("ratingd", "1.2.3", nil)
	if opts.Dir != cfg.Logging.CrashDir || opts.Component != "ratingd" || opts.Version != "1.2.3" {
		t.Errorf("unexpected crash options %+v", opts)
	}

	cfg.Logging.CrashDir = ""
	if got := cfg.CrashOptions("ratingd", "", nil).Dir; got != logging.DefaultCrashDir() {
		t.Errorf("expected default crash dir %q, got %q", logging.DefaultCrashDir(), got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(dir, "data", "nested", "study.db")
	cfg.Logging.AuditPath = filepath.Join(dir, "logs", "audit.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, p := range []string{filepath.Join(dir, "data", "nested"), filepath.Join(dir, "logs")} {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", p)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)
			cfg := DefaultConfig()
			cfg.Server.Addr = ":8181"
			cfg.Study.Controls = cfg.Study.Controls[:2]

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("config mode = %v", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Server.Addr != ":8181" || len(loaded.Study.Controls) != 2 {
				t.Errorf("round trip lost data: %+v", loaded)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg, created, err := LoadOrCreate(path)
	if err != nil || !created || cfg == nil {
		t.Fatalf("LoadOrCreate = %v, %v, %v", cfg, created, err)
	}
	_, created, err = LoadOrCreate(path)
	if err != nil || created {
		t.Fatalf("second LoadOrCreate = %v, %v", created, err)
	}
}

func TestLoaderReload(t *testing.T) {
	path := writeConfig(t, "config.toml", "[server]\naddr = \":8001\"\n")
	l := NewLoader(path)
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var oldAddr, newAddr string
	l.OnChange(func(old, cur *Config) {
		oldAddr, newAddr = old.Server.Addr, cur.Server.Addr
	})

	os.WriteFile(path, []byte("[server]\naddr = \":8002\"\n"), 0600)
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if oldAddr != ":8001" || newAddr != ":8002" {
		t.Errorf("callback saw %q -> %q", oldAddr, newAddr)
	}

	// An invalid edit keeps the last good configuration.
	os.WriteFile(path, []byte("[server]\naddr = \"\"\n"), 0600)
	if err := l.Reload(); err == nil {
		t.Error("expected reload error")
	}
	if l.Config().Server.Addr != ":8002" {
		t.Errorf("config replaced by invalid edit: %s", l.Config().Server.Addr)
	}
}

func TestLoaderWatch(t *testing.T) {
	path := writeConfig(t, "config.toml", "[server]\naddr = \":8001\"\n")
	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	changed := make(chan string, 4)
	l.OnChange(func(_, cur *Config) { changed <- cur.Server.Addr })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("[server]\naddr = \":8003\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	// The write may be observed mid-truncate; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case addr := <-changed:
			if addr == ":8003" {
				return
			}
		case <-l.Errors():
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

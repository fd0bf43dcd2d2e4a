package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/kbudget/internal/api"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/restriction"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/goodtune/kbudget/internal/storage/memory"
	"github.com/goodtune/kbudget/internal/systemd"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `storage:
  type: sqlite
  path: ` + filepath.Join(dir, "kbudget.db") + `
api:
  enabled: false
resources:
  - name: youtube
    domains: [youtube.com]
    daily_minutes: 60
    selected: true
  - name: games
    daily_minutes: 30
` + extra
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommandsShareTheStore(t *testing.T) {
	cfg := writeConfig(t, "")
	hash := resource.Hash("youtube")

	if _, err := execute(t, "--config", cfg, "limit", "set", "youtube", "2"); err != nil {
		t.Fatalf("limit set: %v", err)
	}
	if _, err := execute(t, "--config", cfg, "select", "add", "youtube"); err != nil {
		t.Fatalf("select add: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := execute(t, "--config", cfg, "monitor", "threshold", "usage-tick."+hash); err != nil {
			t.Fatalf("monitor threshold: %v", err)
		}
	}

	out, err := execute(t, "--config", cfg, "status", "-o", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var statuses []enforcement.Status
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	var found bool
	for _, st := range statuses {
		if st.ID != hash {
			continue
		}
		found = true
		if st.Usage != 2 || st.Limit != 2 || !st.Selected {
			t.Errorf("unexpected status %+v", st)
		}
	}
	if !found {
		t.Fatalf("youtube missing from %s", out)
	}
}

func TestMonitorAlwaysSucceeds(t *testing.T) {
	cfg := writeConfig(t, "")

	tests := [][]string{
		{"monitor", "threshold", "no-delimiter"},
		{"monitor", "threshold", "bogus.abc"},
		{"monitor", "interval-start", ""},
	}
	for _, args := range tests {
		if _, err := execute(t, append([]string{"--config", cfg}, args...)...); err != nil {
			t.Errorf("%v: expected exit 0, got %v", args, err)
		}
	}

	// An unreadable store still exits 0.
	bad := writeConfig(t, "")
	data, _ := os.ReadFile(bad)
	broken := strings.Replace(string(data), "type: sqlite", "type: sqlite\n  lock_timeout: nonsense", 1)
	_ = os.WriteFile(bad, []byte(broken), 0o600)
	if _, err := execute(t, "--config", bad, "monitor", "threshold", "usage-tick.abc"); err != nil {
		t.Errorf("expected exit 0 on config failure, got %v", err)
	}
}

func TestUnknownResourceIsRejected(t *testing.T) {
	cfg := writeConfig(t, "")
	for _, args := range [][]string{
		{"override", "netflix"},
		{"limit", "set", "netflix", "10"},
		{"tag", "usage-tick", "netflix"},
	} {
		if _, err := execute(t, append([]string{"--config", cfg}, args...)...); err == nil {
			t.Errorf("%v: expected unknown resource error", args)
		}
	}
}

func TestOverrideAbandonedChallengeWritesNothing(t *testing.T) {
	cfg := writeConfig(t, "")
	// Empty stdin abandons the challenge.
	if _, err := execute(t, "--config", cfg, "override", "youtube", "--minutes", "5"); err == nil {
		t.Fatal("expected challenge failure")
	}

	c, err := config.Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	kv, err := openStorage(c.Storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer kv.Close()
	o, err := state.New(kv).Override(t.Context(), resource.Hash("youtube"))
	if err != nil {
		t.Fatalf("read override: %v", err)
	}
	if o != nil {
		t.Errorf("expected no override, got %+v", o)
	}
}

func TestTag(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := execute(t, "--config", cfg, "tag", "usage-tick", "YouTube")
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	want := "usage-tick." + resource.Hash("youtube")
	if strings.TrimSpace(out) != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestValidateReportsUnknownKeys(t *testing.T) {
	cfg := writeConfig(t, "server:\n  http_port: 80\n")
	out, err := execute(t, "--config", cfg, "validate", "--dump")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "server.http_port") {
		t.Errorf("expected unknown key in output:\n%s", out)
	}
	if !strings.Contains(out, "youtube (id "+resource.Hash("youtube")+")") {
		t.Errorf("expected resource listing in dump:\n%s", out)
	}
}

func TestWriteStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := []enforcement.Status{
		{ID: "a", Name: "youtube", Selected: true, Limit: 60, Usage: 60, Restricted: true},
		{ID: "b", Name: "games", Selected: true, Limit: 30, Usage: 0,
			Override: &state.Override{ExpiresAt: now.Add(10 * time.Minute)}},
		{ID: "c", Name: "news"},
	}

	var table bytes.Buffer
	if err := writeStatus(&table, "table", statuses, now); err != nil {
		t.Fatalf("table: %v", err)
	}
	for _, want := range []string{"restricted", "override, 10m0s left", "not limited"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("table missing %q:\n%s", want, table.String())
		}
	}

	var out bytes.Buffer
	if err := writeStatus(&out, "yaml", statuses, now); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var decoded []map[string]any
	if err := yaml.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if len(decoded) != 3 || decoded[0]["name"] != "youtube" {
		t.Errorf("unexpected yaml %v", decoded)
	}

	if err := writeStatus(&out, "xml", statuses, now); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestBuildMechanism(t *testing.T) {
	logger := zerolog.Nop()
	sd := &systemd.Listeners{}

	mech, dnsServer, err := buildMechanism(config.RestrictionConfig{Mechanism: "none"}, sd, logger)
	if err != nil || dnsServer != nil {
		t.Fatalf("none: %v %v", err, dnsServer)
	}
	if _, ok := mech.(restriction.Noop); !ok {
		t.Errorf("expected Noop, got %T", mech)
	}

	mech, dnsServer, err = buildMechanism(config.RestrictionConfig{
		Mechanism: "dns",
		DNS:       config.DNSConfig{Listen: "127.0.0.1:0", UpstreamServers: []string{"127.0.0.1:53"}},
	}, sd, logger)
	if err != nil {
		t.Fatalf("dns: %v", err)
	}
	if dnsServer == nil {
		t.Fatal("expected sinkhole server")
	}
	if _, ok := mech.(restriction.Multi); !ok {
		t.Errorf("expected Multi, got %T", mech)
	}

	if _, _, err := buildMechanism(config.RestrictionConfig{Mechanism: "firewall"}, sd, logger); err == nil {
		t.Error("expected error for unknown mechanism")
	}
}

func TestOpenStorage(t *testing.T) {
	kv, err := openStorage(config.StorageConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = kv.Close()

	kv, err = openStorage(config.StorageConfig{Type: "bolt", Path: filepath.Join(t.TempDir(), "kbudget.bolt"), LockTimeout: "1s"})
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	_ = kv.Close()

	if _, err := openStorage(config.StorageConfig{Type: "etcd"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug", zerolog.InfoLevel) != zerolog.DebugLevel {
		t.Error("debug not parsed")
	}
	if parseLevel("chatty", zerolog.WarnLevel) != zerolog.WarnLevel {
		t.Error("unknown level should use fallback")
	}
}

func TestDaemonCommands(t *testing.T) {
	kv := memory.New()
	st := state.New(kv)
	reg := resource.NewRegistry([]config.ResourceConfig{{Name: "youtube", DailyMinutes: 0, Selected: true}})
	if err := reg.Seed(t.Context(), st); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := enforcement.New(st, reg, restriction.Noop{}, zerolog.Nop())
	srv := httptest.NewServer(api.NewServer(api.Config{}, api.Deps{Engine: engine}, zerolog.Nop()).Handler())
	defer srv.Close()

	cfg := writeConfig(t, "")
	data, _ := os.ReadFile(cfg)
	patched := strings.Replace(string(data), "api:\n  enabled: false", "api:\n  enabled: true\n  listen: "+srv.URL, 1)
	_ = os.WriteFile(cfg, []byte(patched), 0o600)

	out, err := execute(t, "--config", cfg, "foreground")
	if err != nil {
		t.Fatalf("foreground: %v", err)
	}
	if !strings.Contains(out, "Reconciled 1 resources, 1 restricted") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = execute(t, "--config", cfg, "status", "--daemon", "-o", "json")
	if err != nil {
		t.Fatalf("status --daemon: %v", err)
	}
	var statuses []enforcement.Status
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(statuses) != 1 || !statuses[0].Restricted {
		t.Errorf("expected restricted youtube from daemon, got %+v", statuses)
	}
	statusDaemon = false
}

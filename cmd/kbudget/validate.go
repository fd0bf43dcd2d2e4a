package main

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the kbudget configuration file for syntax and semantic errors.`,
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(out)
		red.Fprintf(out, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(out, "   - %s\n", key)
		}
		fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(out, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))

		dumpConfig(out, cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.ValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(w io.Writer, cfg, defaultCfg *config.Config, unknownKeys []string) {
	d := dumper{
		w:        w,
		modified: color.New(color.FgYellow, color.Bold),
		normal:   color.New(color.FgGreen),
		section:  color.New(color.FgCyan, color.Bold),
	}

	// Storage
	d.header("\n[storage]")
	d.field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	d.field("  path", cfg.Storage.Path, defaultCfg.Storage.Path)
	d.field("  lock_timeout", cfg.Storage.LockTimeout, defaultCfg.Storage.LockTimeout)
	d.header("  [storage.redis]")
	d.field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	d.field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	d.field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password))
	d.field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	d.field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	d.field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	d.field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	d.field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	d.field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)
	d.field("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix)

	// Logging
	d.header("\n[logging]")
	d.field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	d.field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)

	d.header("\n[monitor]")
	d.field("  tick_minutes", cfg.Monitor.TickMinutes, defaultCfg.Monitor.TickMinutes)
	d.field("  log_level", cfg.Monitor.LogLevel, defaultCfg.Monitor.LogLevel)

	d.header("\n[enforcement]")
	d.field("  reconcile_interval", cfg.Enforcement.ReconcileInterval, defaultCfg.Enforcement.ReconcileInterval)
	d.field("  daily_reset_time", cfg.Enforcement.DailyResetTime, defaultCfg.Enforcement.DailyResetTime)
	d.field("  max_override_minutes", cfg.Enforcement.MaxOverrideMinutes, defaultCfg.Enforcement.MaxOverrideMinutes)
	d.field("  default_override_minutes", cfg.Enforcement.DefaultOverrideMinutes, defaultCfg.Enforcement.DefaultOverrideMinutes)
	d.field("  watch_store", cfg.Enforcement.WatchStore, defaultCfg.Enforcement.WatchStore)

	// Policy
	d.header("\n[policy]")
	d.field("  engine", cfg.Policy.Engine, defaultCfg.Policy.Engine)
	d.field("  opa_policy_dir", cfg.Policy.OPAPolicyDir, defaultCfg.Policy.OPAPolicyDir)

	d.header("\n[restriction]")
	d.field("  mechanism", cfg.Restriction.Mechanism, defaultCfg.Restriction.Mechanism)
	d.header("  [restriction.dns]")
	d.field("    listen", cfg.Restriction.DNS.Listen, defaultCfg.Restriction.DNS.Listen)
	d.field("    upstream_servers", cfg.Restriction.DNS.UpstreamServers, defaultCfg.Restriction.DNS.UpstreamServers)
	d.field("    block_ttl", cfg.Restriction.DNS.BlockTTL, defaultCfg.Restriction.DNS.BlockTTL)
	d.field("    upstream_timeout", cfg.Restriction.DNS.UpstreamTimeout, defaultCfg.Restriction.DNS.UpstreamTimeout)
	d.field("    cache_size", cfg.Restriction.DNS.CacheSize, defaultCfg.Restriction.DNS.CacheSize)

	d.header("\n[events]")
	d.field("  nats_url", cfg.Events.NATSURL, defaultCfg.Events.NATSURL)

	d.header("\n[api]")
	d.field("  enabled", cfg.API.Enabled, defaultCfg.API.Enabled)
	d.field("  listen", cfg.API.Listen, defaultCfg.API.Listen)

	d.header("\n[metrics]")
	d.field("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled)
	d.field("  listen", cfg.Metrics.Listen, defaultCfg.Metrics.Listen)

	// Resources have no defaults, so every entry is a modification.
	d.header("\n[resources]")
	for _, res := range cfg.Resources {
		d.modified.Fprintf(w, "  %s (id %s) daily_minutes=%d selected=%t domains=%v\n",
			res.Name, resource.Hash(res.Name), res.DailyMinutes, res.Selected, res.Domains)
	}

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		d.header("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			red.Fprintf(w, "  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

type dumper struct {
	w        io.Writer
	modified *color.Color
	normal   *color.Color
	section  *color.Color
}

func (d dumper) header(s string) {
	_, _ = d.section.Fprintln(d.w, s)
}

// field prints a field with color if it differs from default
func (d dumper) field(name string, value, defaultValue interface{}) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = d.normal.Fprintf(d.w, "%s = %s\n", name, valueStr)
	} else {
		_, _ = d.modified.Fprintf(d.w, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}

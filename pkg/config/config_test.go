package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
network:
  horizon_url: https://horizon.example.org
  soroban_rpc_url: https://soroban.example.org
  passphrase: "Example Network ; 2026"
  submits_per_second: 3
wallet:
  keystore_path: /var/lib/gostellar/keys
  key_name: trading
assets:
  USDC:
    code: USDC
    issuer: GDX2FAITRP7A2ZMCQG4RDZBOFX7S2CNZ2Y4C44JFODN3IO3ZNDY5IU7M
orders:
  poll_interval_seconds: 7
  max_denominator: 100000
controlplane:
  listen: 127.0.0.1:8980
  db_path: /var/lib/gostellar/orders.db
log:
  level: debug
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network.HorizonURL != "https://horizon.example.org" {
		t.Fatalf("horizon url got=%q", cfg.Network.HorizonURL)
	}
	if cfg.Network.SubmitsPerSecond != 3 {
		t.Fatalf("submits per second got=%d", cfg.Network.SubmitsPerSecond)
	}
	if cfg.Orders.PollIntervalSeconds != 7 || cfg.Orders.MaxDenominator != 100000 {
		t.Fatalf("orders config got=%+v", cfg.Orders)
	}
	if cfg.Assets["USDC"].Code != "USDC" {
		t.Fatalf("assets got=%+v", cfg.Assets)
	}
	// 未配置项落到默认值
	if cfg.Security.ReplayWindowSeconds != 300 {
		t.Fatalf("replay window default got=%d", cfg.Security.ReplayWindowSeconds)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("GOSTELLAR_HORIZON_URL", "https://horizon-testnet.stellar.org")
	t.Setenv("GOSTELLAR_SEED", "SseedSEEDseed")
	t.Setenv("GOSTELLAR_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network.HorizonURL != "https://horizon-testnet.stellar.org" {
		t.Fatalf("env override ignored: %q", cfg.Network.HorizonURL)
	}
	if cfg.Wallet.Seed != "SseedSEEDseed" {
		t.Fatal("seed env not picked up")
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log level got=%q", cfg.Log.Level)
	}
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	t.Setenv("GOSTELLAR_SEED", "SseedSEEDseed")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network.HorizonURL != defaultHorizonURL || cfg.Network.Passphrase != defaultPassphrase {
		t.Fatalf("testnet defaults missing: %+v", cfg.Network)
	}
	if cfg.Orders.PollIntervalSeconds != 5 {
		t.Fatalf("poll interval default got=%d", cfg.Orders.PollIntervalSeconds)
	}
	if cfg.Wallet.KeyName != "default" {
		t.Fatalf("key name default got=%q", cfg.Wallet.KeyName)
	}
}

func TestLoad_RejectsMissingWallet(t *testing.T) {
	os.Unsetenv("GOSTELLAR_SEED")
	if _, err := Load(writeConfig(t, "config.yaml", "network:\n  horizon_url: https://h\n  passphrase: p\n")); err == nil {
		t.Fatal("config without seed or keystore accepted")
	}
}

func TestLoad_RejectsIncompleteAssetEntry(t *testing.T) {
	t.Setenv("GOSTELLAR_SEED", "SseedSEEDseed")
	withBadAsset := `
assets:
  BROKEN:
    code: ""
    issuer: ""
`
	if _, err := Load(writeConfig(t, "config.yaml", withBadAsset)); err == nil {
		t.Fatal("asset entry without code/issuer accepted")
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	if _, err := Load(writeConfig(t, "config.toml", "x = 1")); err == nil {
		t.Fatal("unsupported extension accepted")
	}
}

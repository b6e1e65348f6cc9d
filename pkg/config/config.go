package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkConfig 网络配置
type NetworkConfig struct {
	HorizonURL       string `yaml:"horizon_url" json:"horizon_url"`
	SorobanRPCURL    string `yaml:"soroban_rpc_url" json:"soroban_rpc_url"`
	Passphrase       string `yaml:"passphrase" json:"passphrase"`
	SubmitsPerSecond int    `yaml:"submits_per_second" json:"submits_per_second"`
}

// WalletConfig 钱包配置。种子只能来自环境变量或加密 keystore，
// 配置文件里不放种子。
type WalletConfig struct {
	Seed         string // 来自 GOSTELLAR_SEED（明文种子，优先级最高）
	KeystorePath string `yaml:"keystore_path" json:"keystore_path"`
	KeyName      string `yaml:"key_name" json:"key_name"`
	KeystoreKey  string // 来自 GOSTELLAR_KEYSTORE_KEY（hex 编码的 32 字节加密密钥）
}

// AssetEntry 资产目录条目
type AssetEntry struct {
	Code   string `yaml:"code" json:"code"`
	Issuer string `yaml:"issuer" json:"issuer"`
}

// OrdersConfig 订单路径配置
type OrdersConfig struct {
	PollIntervalSeconds  int   `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	MaxDenominator       int64 `yaml:"max_denominator" json:"max_denominator"`
	MaxConsecutiveErrors int64 `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
}

// SecurityConfig 交易安全校验配置
type SecurityConfig struct {
	ReplayWindowSeconds int `yaml:"replay_window_seconds" json:"replay_window_seconds"`
}

// ControlPlaneConfig 控制面配置
type ControlPlaneConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	DBPath string `yaml:"db_path" json:"db_path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// Config 连接器配置
type Config struct {
	Network      NetworkConfig         `yaml:"network" json:"network"`
	Wallet       WalletConfig          `yaml:"wallet" json:"wallet"`
	Assets       map[string]AssetEntry `yaml:"assets" json:"assets"`
	Orders       OrdersConfig          `yaml:"orders" json:"orders"`
	Security     SecurityConfig        `yaml:"security" json:"security"`
	ControlPlane ControlPlaneConfig    `yaml:"controlplane" json:"controlplane"`
	Log          LogConfig             `yaml:"log" json:"log"`
}

// testnet 缺省值
const (
	defaultHorizonURL = "https://horizon-testnet.stellar.org"
	defaultPassphrase = "Test SDF Network ; September 2015"
)

// Load 加载配置：先读配置文件（YAML 或 JSON，可为空），再用环境变量覆盖，
// 最后补缺省值并校验。
func Load(filePath string) (*Config, error) {
	cfg := &Config{}

	if filePath != "" {
		if err := loadFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func loadFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
}

// applyEnv 环境变量覆盖配置文件
func applyEnv(cfg *Config) {
	cfg.Network.HorizonURL = getEnv("GOSTELLAR_HORIZON_URL", cfg.Network.HorizonURL)
	cfg.Network.SorobanRPCURL = getEnv("GOSTELLAR_SOROBAN_RPC_URL", cfg.Network.SorobanRPCURL)
	cfg.Network.Passphrase = getEnv("GOSTELLAR_NETWORK_PASSPHRASE", cfg.Network.Passphrase)

	cfg.Wallet.Seed = os.Getenv("GOSTELLAR_SEED")
	cfg.Wallet.KeystoreKey = os.Getenv("GOSTELLAR_KEYSTORE_KEY")
	cfg.Wallet.KeystorePath = getEnv("GOSTELLAR_KEYSTORE_PATH", cfg.Wallet.KeystorePath)
	cfg.Wallet.KeyName = getEnv("GOSTELLAR_KEY_NAME", cfg.Wallet.KeyName)

	cfg.ControlPlane.Listen = getEnv("GOSTELLAR_CONTROLPLANE_LISTEN", cfg.ControlPlane.Listen)
	cfg.ControlPlane.DBPath = getEnv("GOSTELLAR_DB_PATH", cfg.ControlPlane.DBPath)

	cfg.Log.Level = getEnv("GOSTELLAR_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("GOSTELLAR_LOG_FILE", cfg.Log.File)

	cfg.Orders.PollIntervalSeconds = parseIntEnv("GOSTELLAR_POLL_INTERVAL_SECONDS", cfg.Orders.PollIntervalSeconds)
	cfg.Network.SubmitsPerSecond = parseIntEnv("GOSTELLAR_SUBMITS_PER_SECOND", cfg.Network.SubmitsPerSecond)
}

func applyDefaults(cfg *Config) {
	if cfg.Network.HorizonURL == "" {
		cfg.Network.HorizonURL = defaultHorizonURL
	}
	if cfg.Network.Passphrase == "" {
		cfg.Network.Passphrase = defaultPassphrase
	}
	if cfg.Orders.PollIntervalSeconds <= 0 {
		cfg.Orders.PollIntervalSeconds = 5
	}
	if cfg.Orders.MaxConsecutiveErrors <= 0 {
		cfg.Orders.MaxConsecutiveErrors = 5
	}
	if cfg.Security.ReplayWindowSeconds <= 0 {
		cfg.Security.ReplayWindowSeconds = 300
	}
	if cfg.Wallet.KeyName == "" {
		cfg.Wallet.KeyName = "default"
	}
	if cfg.ControlPlane.DBPath == "" {
		cfg.ControlPlane.DBPath = "data/orders.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Network.HorizonURL == "" {
		return fmt.Errorf("network.horizon_url 未配置")
	}
	if c.Network.Passphrase == "" {
		return fmt.Errorf("network.passphrase 未配置")
	}
	if c.Wallet.Seed == "" && c.Wallet.KeystorePath == "" {
		return fmt.Errorf("GOSTELLAR_SEED 与 wallet.keystore_path 至少配置一个")
	}
	if c.Orders.MaxDenominator < 0 {
		return fmt.Errorf("orders.max_denominator 不能为负数")
	}
	for symbol, entry := range c.Assets {
		if entry.Code == "" || entry.Issuer == "" {
			return fmt.Errorf("资产 %s 的 code/issuer 不能为空", symbol)
		}
	}
	return nil
}

// getEnv 获取环境变量，不存在则返回回退值
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

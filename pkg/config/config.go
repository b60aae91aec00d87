package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// AppConfig is the client application identity forwarded into login
// requests.
type AppConfig struct {
	AppID       int    `json:"app_id" env:"LAGRANGE_APP_ID"`
	SubAppID    int    `json:"sub_app_id" env:"LAGRANGE_SUB_APP_ID"`
	PtVersion   string `json:"pt_version"`
	PackageName string `json:"package_name"`
}

type GatewayConfig struct {
	URL            string `json:"url" env:"LAGRANGE_GATEWAY_URL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"LAGRANGE_GATEWAY_TIMEOUT"`
}

type Config struct {
	App       AppConfig     `json:"app"`
	Gateway   GatewayConfig `json:"gateway"`
	QRFaceURL string        `json:"qr_face_url" env:"LAGRANGE_QR_FACE_URL"`
	SignURL   string        `json:"sign_url" env:"LAGRANGE_SIGN_URL"`
	Keystore  string        `json:"keystore" env:"LAGRANGE_KEYSTORE"`
	LogLevel  string        `json:"log_level" env:"LAGRANGE_LOG_LEVEL"`
	LogFile   string        `json:"log_file" env:"LAGRANGE_LOG_FILE"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		App: AppConfig{
			AppID:       1600001615,
			SubAppID:    537158298,
			PtVersion:   "13.2.12",
			PackageName: "com.tencent.mobileqq",
		},
		Gateway: GatewayConfig{
			URL:            "wss://msfwifi.3g.qq.com/ws",
			TimeoutSeconds: 15,
		},
		QRFaceURL: "https://ntlogin.qq.com/qr/getFace",
		Keystore:  filepath.Join(home, ".lagrange", "keystore.db"),
		LogLevel:  "info",
	}
}

// LoadConfig reads the JSON config file if it exists, then applies
// environment overrides on top. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return cfg, nil
}

// Save writes the config back as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

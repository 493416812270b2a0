package config

import (
	"os"
	"strconv"
)

// Environment variables honored by Defaults. The names match the original
// deployment surface so existing .env files keep working.
const (
	EnvBackendURL   = "PYTHON_API_URL"
	EnvSalesContact = "SALES_DEPARTMENT_NUMBER"
	EnvPort         = "PORT"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Backend: BackendConfig{
			BaseURL:        envOr(EnvBackendURL, "http://localhost:8000"),
			TimeoutSeconds: 30,
		},
		Sales: SalesConfig{
			Contact:          envOr(EnvSalesContact, "18497201998"),
			EscalationPrefix: "#precio",
		},
		Router: RouterConfig{
			SettlingDelayMs: 1000,
			Concurrency:     5,
		},
		Transport: TransportConfig{
			WebhookPath:   "/webhook/whatsapp",
			AddressSuffix: "@c.us",
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: envOrInt(EnvPort, 3000),
		},
		Archive: ArchiveConfig{
			Enabled: true,
			DBPath:  "~/.qabridge/archive.db",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envOrInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

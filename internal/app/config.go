package app

import (
	"strings"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/utils"
)

type Config struct {
	WebhookBaseURL string
	WebhookSecret  string
	MetricsAddr    string
	AllowOrigins   []string
}

func LoadConfig(log *logger.Logger) Config {
	webhookBaseURL := utils.GetEnv("WEBHOOK_BASE_URL", "http://localhost:8080", log)
	webhookSecret := utils.GetEnv("WEBHOOK_SECRET", "", log)
	metricsAddr := utils.GetEnv("METRICS_ADDR", ":9090", log)
	origins := utils.GetEnv("CORS_ALLOW_ORIGINS", "", log)

	cfg := Config{
		WebhookBaseURL: strings.TrimRight(webhookBaseURL, "/"),
		WebhookSecret:  webhookSecret,
		MetricsAddr:    metricsAddr,
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, o)
		}
	}
	return cfg
}

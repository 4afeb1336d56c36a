package modeltrain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fableforge/fableforge-backend/internal/logger"
)

// TrainRequest asks the provider to fine-tune a personalized model from the
// photo archive.
type TrainRequest struct {
	ModelName     string `json:"model_name"`
	TriggerPhrase string `json:"trigger_phrase"`
	ArchiveURL    string `json:"archive_url"`
	WebhookURL    string `json:"webhook_url,omitempty"`
}

// TrainingUpdate is the provider's asynchronous status notification, received
// on the training webhook and relayed over the job bus.
type TrainingUpdate struct {
	TrainingID   string `json:"training_id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Error        string `json:"error,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

type Client interface {
	Dispatch(ctx context.Context, req TrainRequest) (string, error)
}

type client struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("MODELTRAIN_API_URL")), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing MODELTRAIN_API_URL")
	}
	apiKey := strings.TrimSpace(os.Getenv("MODELTRAIN_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing MODELTRAIN_API_KEY")
	}

	return &client{
		log:        log.With("service", "ModelTrainClient"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

func (c *client) Dispatch(ctx context.Context, req TrainRequest) (string, error) {
	if req.ModelName == "" || req.ArchiveURL == "" {
		return "", fmt.Errorf("model name and archive url required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/trainings", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("trainer dispatch: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("trainer dispatch: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("trainer dispatch: decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("trainer dispatch: response missing training id")
	}
	c.log.Info("Training dispatched", "trainingID", out.ID, "model", req.ModelName)
	return out.ID, nil
}

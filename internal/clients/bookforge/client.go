package bookforge

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
	"github.com/fableforge/fableforge-backend/internal/types"
)

// AssemblyRequest asks the assembly provider to render the personalized book
// with the trained model.
type AssemblyRequest struct {
	BookID     string `json:"book_id"`
	TrainingID string `json:"training_id"`
	UserID     string `json:"user_id"`
	ReaderName string `json:"reader_name"`
	Title      string `json:"title"`
}

// AssemblyUpdate is the provider's asynchronous status notification, received
// on the assembly webhook and relayed over the job bus.
type AssemblyUpdate struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	PDFAsset *types.PDFAsset `json:"pdf_asset,omitempty"`
}

type Client interface {
	Dispatch(ctx context.Context, req AssemblyRequest) (string, error)
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
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("BOOKFORGE_API_URL")), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing BOOKFORGE_API_URL")
	}
	apiKey := strings.TrimSpace(os.Getenv("BOOKFORGE_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing BOOKFORGE_API_KEY")
	}

	return &client{
		log:        log.With("service", "BookforgeClient"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

func (c *client) Dispatch(ctx context.Context, req AssemblyRequest) (string, error) {
	if req.BookID == "" || req.TrainingID == "" {
		return "", fmt.Errorf("book id and training id required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/storybooks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("assembly dispatch: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("assembly dispatch: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("assembly dispatch: decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("assembly dispatch: response missing job id")
	}
	c.log.Info("Storybook assembly dispatched", "jobID", out.ID, "bookID", req.BookID)
	return out.ID, nil
}

package docsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"signtrust/internal/domain"

	"go.uber.org/zap"
)

const (
	defaultTimeout   = 5 * time.Second
	maxResponseBytes = 4 * 1024 * 1024
)

// Client reads the current content of a resource from the document service.
// It implements domain.DocumentSource for evidence stored without a snapshot.
type Client struct {
	baseURL string
	timeout time.Duration
	httpDo  func(*http.Request) (*http.Response, error)
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("document source base url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpDo:  doer,
		logger:  logger,
	}, nil
}

type documentResponse struct {
	Content     string         `json:"content"`
	FieldValues map[string]any `json:"fieldValues"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// CurrentDocument returns ErrNotFound when the service has no such resource
// for tenantID.
func (c *Client) CurrentDocument(ctx context.Context, tenantID, resourceID string) (*domain.DocumentSnapshot, error) {
	if tenantID == "" || resourceID == "" {
		return nil, fmt.Errorf("%w: tenant id and resource id are required", domain.ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/tenants/%s/documents/%s", c.baseURL, url.PathEscape(tenantID), url.PathEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpDo(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", resourceID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		c.logger.Warn("document source returned an error",
			zap.String("resource_id", resourceID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("fetch document %s: status %d", resourceID, resp.StatusCode)
	}

	var body documentResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", resourceID, err)
	}
	if body.FieldValues == nil {
		body.FieldValues = map[string]any{}
	}
	return &domain.DocumentSnapshot{
		Content:     body.Content,
		FieldValues: body.FieldValues,
		CapturedAt:  body.UpdatedAt,
	}, nil
}

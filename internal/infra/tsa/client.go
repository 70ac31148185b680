package tsa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"signtrust/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 5 * time.Second
	maxResponseBytes = 256 * 1024
)

// Client requests qualified timestamps from an HTTP time-stamping authority.
// It implements domain.TimestampClient: every failure degrades to an
// unverified proof carrying an error code.
type Client struct {
	baseURL string
	timeout time.Duration
	httpDo  func(*http.Request) (*http.Response, error)
	clock   func() time.Time
	nonce   func() string
	logger  *zap.Logger
}

type Option func(*Client)

func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithNonce(nonce func() string) Option {
	return func(c *Client) {
		if nonce != nil {
			c.nonce = nonce
		}
	}
}

func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("tsa base url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpDo:  doer,
		clock:   time.Now,
		nonce:   uuid.NewString,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type timestampRequest struct {
	Hash          string `json:"hash"`
	HashAlgorithm string `json:"hashAlgorithm"`
	Nonce         string `json:"nonce"`
	CertReq       bool   `json:"certReq"`
}

type timestampResponse struct {
	Timestamp    string `json:"timestamp"`
	TSAURL       string `json:"tsaUrl"`
	Verified     bool   `json:"verified"`
	SerialNumber string `json:"serialNumber"`
	Token        string `json:"token"`
	Accuracy     string `json:"accuracy"`
	Hash         string `json:"hash,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

func (c *Client) GetQualifiedTimestamp(ctx context.Context, contentHash string) domain.TimestampProof {
	if c == nil {
		return domain.UnverifiedTimestamp(contentHash, time.Now(), domain.TimestampErrorDisabled)
	}
	proof, err := c.request(ctx, contentHash)
	if err != nil {
		code := errorCode(err)
		c.logger.Warn("qualified timestamp degraded",
			zap.String("document_hash", contentHash),
			zap.String("error_code", code),
			zap.Error(err),
		)
		return domain.UnverifiedTimestamp(contentHash, c.clock(), code)
	}
	return proof
}

func (c *Client) request(ctx context.Context, contentHash string) (domain.TimestampProof, error) {
	if _, err := hex.DecodeString(contentHash); err != nil || len(contentHash) != 64 {
		return domain.TimestampProof{}, &codedError{code: domain.TimestampErrorBadResponse, err: errors.New("content hash must be sha256 hex")}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	nonce := c.nonce()
	body, err := json.Marshal(timestampRequest{
		Hash:          contentHash,
		HashAlgorithm: "sha256",
		Nonce:         nonce,
		CertReq:       true,
	})
	if err != nil {
		return domain.TimestampProof{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/timestamp", bytes.NewReader(body))
	if err != nil {
		return domain.TimestampProof{}, &codedError{code: domain.TimestampErrorDisabled, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpDo(req)
	if err != nil {
		return domain.TimestampProof{}, &codedError{code: transportCode(ctx, err), err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return domain.TimestampProof{}, &codedError{code: transportCode(ctx, err), err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.TimestampProof{}, &codedError{code: statusToErrorCode(resp.StatusCode), err: errors.New(resp.Status)}
	}
	if len(payload) > maxResponseBytes {
		return domain.TimestampProof{}, &codedError{code: domain.TimestampErrorBadResponse, err: errors.New("response too large")}
	}
	return parseResponse(payload, contentHash, nonce, c.baseURL)
}

func parseResponse(payload []byte, contentHash, nonce, baseURL string) (domain.TimestampProof, error) {
	bad := func(msg string) (domain.TimestampProof, error) {
		return domain.TimestampProof{}, &codedError{code: domain.TimestampErrorBadResponse, err: errors.New(msg)}
	}
	var out timestampResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return bad("response is not JSON")
	}
	if !out.Verified {
		return domain.TimestampProof{}, &codedError{code: domain.TimestampErrorProvider, err: errors.New("tsa did not verify the request")}
	}
	if out.Hash != "" && !strings.EqualFold(out.Hash, contentHash) {
		return bad("response bound to a different hash")
	}
	if out.Nonce != "" && out.Nonce != nonce {
		return bad("response nonce mismatch")
	}
	at, err := time.Parse(time.RFC3339Nano, out.Timestamp)
	if err != nil {
		return bad("timestamp is not RFC 3339")
	}
	token, err := base64.StdEncoding.DecodeString(out.Token)
	if err != nil || len(token) == 0 {
		return bad("token is not base64")
	}
	if out.SerialNumber == "" {
		return bad("serial number missing")
	}
	tsaURL := out.TSAURL
	if tsaURL == "" {
		tsaURL = baseURL
	}
	return domain.TimestampProof{
		Value:        at.UTC(),
		TSAURL:       tsaURL,
		Verified:     true,
		SerialNumber: out.SerialNumber,
		Token:        token,
		Accuracy:     out.Accuracy,
		DocumentHash: contentHash,
	}, nil
}

type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string {
	return e.code + ": " + e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func errorCode(err error) string {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return domain.TimestampErrorProvider
}

func statusToErrorCode(code int) string {
	if code == http.StatusTooManyRequests {
		return domain.TimestampErrorRateLimit
	}
	if code >= 500 {
		return domain.TimestampErrorProvider5xx
	}
	return domain.TimestampErrorProvider
}

func transportCode(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.TimestampErrorTimeout
	}
	return domain.TimestampErrorNetwork
}

// Disabled is the TimestampClient used when no TSA is configured.
type Disabled struct {
	Clock func() time.Time
}

func (d Disabled) GetQualifiedTimestamp(ctx context.Context, contentHash string) domain.TimestampProof {
	now := time.Now()
	if d.Clock != nil {
		now = d.Clock()
	}
	return domain.UnverifiedTimestamp(contentHash, now, domain.TimestampErrorDisabled)
}

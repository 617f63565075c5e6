package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.code, e.body)
}

// clientConfig is shared by every HTTP backed collaborator.
type clientConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BaseBackoff   time.Duration
}

// multipartClient posts audio files with bounded concurrency and retries
// transient failures with exponential backoff.
type multipartClient struct {
	cfg        clientConfig
	httpClient *http.Client
	semaphore  chan struct{}

	requests atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
}

func newMultipartClient(cfg clientConfig) *multipartClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	return &multipartClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}
}

type uploadRequest struct {
	endpoint string
	apiKey   string
	audio    Audio
	fields   map[string]string
}

func (c *multipartClient) post(ctx context.Context, req uploadRequest) ([]byte, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.requests.Add(1)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.cfg.BaseBackoff
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		body, err := c.do(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
		logutil.GetLogger(ctx).Warn("speech request failed, retrying",
			zap.String("endpoint", req.endpoint), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	c.failures.Add(1)
	return nil, fmt.Errorf("request failed: %w", lastErr)
}

func (c *multipartClient) do(ctx context.Context, req uploadRequest) ([]byte, error) {
	body, contentType, err := buildMultipart(req.audio, req.fields)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if req.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &httpStatusError{code: resp.StatusCode, body: string(bytes.TrimSpace(respBody))}
	}
	return respBody, nil
}

func buildMultipart(audio Audio, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	name := audio.Name
	if name == "" && audio.Path != "" {
		name = filepath.Base(audio.Path)
	}
	if name == "" {
		name = "audio.wav"
	}
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	switch {
	case audio.Data != nil:
		if _, err := fw.Write(audio.Data); err != nil {
			return nil, "", err
		}
	case audio.Path != "":
		f, err := os.Open(audio.Path)
		if err != nil {
			return nil, "", err
		}
		_, err = io.Copy(fw, f)
		f.Close()
		if err != nil {
			return nil, "", err
		}
	default:
		return nil, "", fmt.Errorf("audio payload is empty")
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code == http.StatusTooManyRequests || statusErr.code >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

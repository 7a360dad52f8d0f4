package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/san-kum/emergency-monitor/server/models"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	apiPrefix  string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig
}

type ClientConfig struct {
	APIPrefix           string
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	UserAgent           string
}

type AssessRequest struct {
	PatientConscious bool
	Image            []byte
	ImageName        string
	ImageMimeType    string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		APIPrefix:           "/api",
		Timeout:             3 * time.Minute,
		MaxRetries:          2,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		UserAgent:           "emergency-monitor/1.0",
	}
}

func NewClient(baseURL string, config ClientConfig, logger *zap.Logger) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid assessment service URL %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiPrefix: "/" + strings.Trim(config.APIPrefix, "/"),
		logger:    logger,
		config:    config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}, nil
}

func (c *Client) endpoint(path string) string {
	if c.apiPrefix == "/" {
		return c.baseURL + path
	}
	return c.baseURL + c.apiPrefix + path
}

// Assess submits one frame or photo for a full emergency assessment. It is
// never retried: a resubmit is always the caller's decision.
func (c *Client) Assess(ctx context.Context, request AssessRequest) (*models.AssessmentResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("patient_conscious", strconv.FormatBool(request.PatientConscious)); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if len(request.Image) > 0 {
		name := request.ImageName
		if name == "" {
			name = "capture.jpg"
		}
		mimeType := request.ImageMimeType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, name))
		header.Set("Content-Type", mimeType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to build form: %w", err)
		}
		if _, err := part.Write(request.Image); err != nil {
			return nil, fmt.Errorf("failed to write image: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/emergency/assess"), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", writer.FormDataContentType())

	var result models.AssessmentResponse
	if err := c.do(httpRequest, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) LiveStream(ctx context.Context) (*models.Telemetry, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/live/stream"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var telemetry models.Telemetry
	if err := c.do(httpRequest, &telemetry); err != nil {
		return nil, err
	}
	return &telemetry, nil
}

// Status is idempotent and retried with a linear backoff, like the health
// probe.
func (c *Client) Status(ctx context.Context) (*models.SystemStatus, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying status request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/status"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		var status models.SystemStatus
		if lastErr = c.do(httpRequest, &status); lastErr == nil {
			return &status, nil
		}
	}

	return nil, fmt.Errorf("status request failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) Chat(ctx context.Context, message string, resetHistory bool) (*models.ChatResponse, error) {
	payload, err := json.Marshal(models.ChatRequest{Message: message, ResetHistory: resetHistory})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	var response models.ChatResponse
	if err := c.do(httpRequest, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// DownloadReport asks the service to render a PDF for a completed
// assessment and stores it in dir as medical_report_<epochMillis>.pdf.
func (c *Client) DownloadReport(ctx context.Context, assessment *models.AssessmentResponse, dir string) (string, error) {
	if assessment == nil {
		return "", fmt.Errorf("no assessment to report")
	}

	raw := assessment.RawAssessment
	if len(raw) == 0 {
		encoded, err := json.Marshal(assessment.Assessment)
		if err != nil {
			return "", fmt.Errorf("failed to marshal assessment: %w", err)
		}
		raw = encoded
	}
	report := models.ReportRequest{Assessment: raw}
	if assessment.PatientImagePath != "" {
		imagePath := assessment.PatientImagePath
		report.PatientImagePath = &imagePath
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/emergency/download-report"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/pdf")
	httpRequest.Header.Set("User-Agent", c.config.UserAgent)

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", readAPIError(response)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("medical_report_%d.pdf", time.Now().UnixMilli()))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}

	written, copyErr := io.Copy(file, response.Body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path)
		if copyErr != nil {
			return "", fmt.Errorf("failed to save report: %w", copyErr)
		}
		return "", fmt.Errorf("failed to save report: %w", closeErr)
	}

	c.logger.Info("Medical report saved", zap.String("path", path), zap.Int64("bytes", written))
	return path, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("assessment service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

// StartHealthChecker probes the service until ctx is done.
func (c *Client) StartHealthChecker(ctx context.Context) {
	if c.config.HealthCheckInterval <= 0 {
		return
	}

	if err := c.HealthCheck(ctx); err != nil {
		c.logger.Warn("Assessment service not available at startup", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(c.config.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.HealthCheck(ctx); err != nil {
					c.logger.Error("Assessment service health check failed", zap.Error(err))
				} else {
					c.logger.Debug("Assessment service health check passed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Client) do(httpRequest *http.Request, out any) error {
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("User-Agent", c.config.UserAgent)

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return readAPIError(response)
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Package ocr provides a client for an HTTP OCR service.
// Images are uploaded as multipart form data and the service answers with the
// recognized text as JSON.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// Response is the OCR service reply
type Response struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Client uploads images to the OCR endpoint.
type Client struct {
	endpoint   string
	apiKey     string // Optional bearer token
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new OCR client for endpoint. A non-positive timeout uses 30s.
func NewClient(endpoint, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log.With().Str("component", "ocr_client").Logger(),
	}
}

// Recognize uploads the image at imagePath and returns the recognized text.
// Its signature matches queue.OCRFunc.
func (c *Client) Recognize(ctx context.Context, imagePath string) (string, error) {
	body, contentType, err := buildForm(imagePath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("OCR service error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("OCR service error: %s", result.Error)
	}

	c.log.Debug().
		Str("image", filepath.Base(imagePath)).
		Int("chars", len(result.Text)).
		Dur("duration", time.Since(start)).
		Msg("OCR request completed")
	return result.Text, nil
}

func buildForm(imagePath string) (*bytes.Buffer, string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return body, w.FormDataContentType(), nil
}

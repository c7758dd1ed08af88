// Package platformclient talks to the WhatsApp Cloud API: outbound sends
// and media blob transfer. Failures are classified into transient
// (retried by the queue) and permanent (failed immediately).
package platformclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
	"github.com/bridgelink/syncengine/internal/syncengine/transformer"
)

// Sender is the outbound send contract the engine depends on.
type Sender interface {
	Send(ctx context.Context, recipient string, payload *transformer.SendPayload) (string, error)
}

type Config struct {
	APIBaseURL    string
	PhoneNumberID string
	AccessToken   string
	MediaDir      string
}

type WhatsAppClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWhatsAppClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *WhatsAppClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsAppClient{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "whatsapp_client"),
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send submits one message and returns the platform-assigned message ID.
// Network failures, timeouts and 5xx responses come back wrapped in
// domain.ErrTransientDelivery; 4xx responses in domain.ErrPermanentDelivery.
func (c *WhatsAppClient) Send(ctx context.Context, recipient string, payload *transformer.SendPayload) (string, error) {
	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal send payload: %v", domain.ErrPermanentDelivery, err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.cfg.APIBaseURL, c.cfg.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("%w: build send request: %v", domain.ErrPermanentDelivery, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return "", fmt.Errorf("%w: read send response: %v", domain.ErrTransientDelivery, readErr)
	}

	if err := classifyStatus(httpResp.StatusCode, body); err != nil {
		c.logger.WarnContext(ctx, "WhatsApp send rejected",
			"status_code", httpResp.StatusCode, "recipient", recipient, "error", err)
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Messages) == 0 {
		return "", fmt.Errorf("%w: unexpected send response body", domain.ErrTransientDelivery)
	}
	return resp.Messages[0].ID, nil
}

func classifyStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var apiErr apiErrorResponse
	detail := ""
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		detail = ": " + apiErr.Error.Message
	}
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d%s", domain.ErrTransientDelivery, statusCode, detail)
	}
	return fmt.Errorf("%w: status %d%s", domain.ErrPermanentDelivery, statusCode, detail)
}

type mediaURLResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

type mediaUploadResponse struct {
	ID string `json:"id"`
}

// Fetch downloads a platform media blob into the media directory and
// returns its local path. Implements transformer.MediaFetcher.
func (c *WhatsAppClient) Fetch(ctx context.Context, mediaID, mimeType string) (string, error) {
	// First call resolves the media ID to a short-lived download URL.
	metaURL := fmt.Sprintf("%s/%s", c.cfg.APIBaseURL, mediaID)
	meta, err := c.getJSON(ctx, metaURL)
	if err != nil {
		return "", err
	}
	var urlResp mediaURLResponse
	if err := json.Unmarshal(meta, &urlResp); err != nil || urlResp.URL == "" {
		return "", fmt.Errorf("%w: unexpected media metadata for %s", domain.ErrTransientDelivery, mediaID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, urlResp.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build media download request: %v", domain.ErrPermanentDelivery, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return "", classifyStatus(httpResp.StatusCode, nil)
	}

	if err := os.MkdirAll(c.cfg.MediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(c.cfg.MediaDir, uuid.NewString()+extensionFor(mimeType))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, httpResp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: download media body: %v", domain.ErrTransientDelivery, err)
	}
	return path, nil
}

// Upload pushes a local blob to the platform and returns the assigned
// media ID. Implements transformer.MediaUploader.
func (c *WhatsAppClient) Upload(ctx context.Context, uri, mimeType string) (string, error) {
	file, err := os.Open(uri)
	if err != nil {
		return "", fmt.Errorf("%w: open media %s: %v", domain.ErrPermanentDelivery, uri, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("build media upload form: %w", err)
	}
	if err := mw.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("build media upload form: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(uri))
	if err != nil {
		return "", fmt.Errorf("build media upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("read media %s: %w", uri, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build media upload form: %w", err)
	}

	url := fmt.Sprintf("%s/%s/media", c.cfg.APIBaseURL, c.cfg.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("%w: build media upload request: %v", domain.ErrPermanentDelivery, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return "", fmt.Errorf("%w: read media upload response: %v", domain.ErrTransientDelivery, readErr)
	}
	if err := classifyStatus(httpResp.StatusCode, body); err != nil {
		return "", err
	}

	var resp mediaUploadResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", fmt.Errorf("%w: unexpected media upload response", domain.ErrTransientDelivery)
	}
	return resp.ID, nil
}

func (c *WhatsAppClient) getJSON(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrPermanentDelivery, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransientDelivery, readErr)
	}
	if err := classifyStatus(httpResp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

// IsTransient reports whether err should be retried per the backoff policy.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransientDelivery)
}

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultCloudBaseURL    = "https://graph.facebook.com"
	DefaultCloudAPIVersion = "v21.0"
)

// CloudConfig holds WhatsApp Business Cloud API credentials.
type CloudConfig struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
	HTTPClient    *http.Client
}

// CloudDriver sends text messages through the WhatsApp Business Cloud API.
type CloudDriver struct {
	token    string
	endpoint string
	client   *http.Client
}

func NewCloudDriver(cfg CloudConfig) (*CloudDriver, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("%w: access token is required", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, fmt.Errorf("%w: phone number id is required", ErrNotConfigured)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultCloudBaseURL
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = DefaultCloudAPIVersion
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &CloudDriver{
		token:    cfg.AccessToken,
		endpoint: fmt.Sprintf("%s/%s/%s/messages", base, version, cfg.PhoneNumberID),
		client:   client,
	}, nil
}

func (d *CloudDriver) Name() string { return DriverCloud }

type cloudTextRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             cloudTextBody `json:"text"`
}

type cloudTextBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *CloudAPIError `json:"error,omitempty"`
}

// CloudAPIError is the error object returned by the Graph API.
type CloudAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	TraceID string `json:"fbtrace_id"`
	Status  int    `json:"-"`
}

func (e *CloudAPIError) Error() string {
	return fmt.Sprintf("whatsapp cloud api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (d *CloudDriver) Send(ctx context.Context, to, text string) (SendResult, error) {
	failed := SendResult{Status: SendStatusFailed}

	payload, err := json.Marshal(cloudTextRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
		Text:             cloudTextBody{Body: text},
	})
	if err != nil {
		return failed, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return failed, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return failed, fmt.Errorf("whatsapp cloud request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failed, fmt.Errorf("whatsapp cloud read response: %w", err)
	}

	var out cloudSendResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil && resp.StatusCode < 300 {
			return failed, fmt.Errorf("whatsapp cloud decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || out.Error != nil {
		apiErr := out.Error
		if apiErr == nil {
			apiErr = &CloudAPIError{Message: strings.TrimSpace(string(body))}
		}
		apiErr.Status = resp.StatusCode
		return failed, apiErr
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return failed, fmt.Errorf("whatsapp cloud: response without message id")
	}
	return SendResult{MessageID: out.Messages[0].ID, Status: SendStatusSent}, nil
}

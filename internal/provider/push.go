package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"
	defaultSendTimeout = 10 * time.Second

	pushTitle = "Critical lab result alert"
)

// Token errors reported by FCM that can never succeed on retry.
var permanentFCMErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MissingRegistration": true,
	"MismatchSenderId":    true,
}

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// PushProvider delivers alert notifications through Firebase Cloud Messaging.
// The address is the recipient's registered device token.
type PushProvider struct {
	client   *resty.Client
	endpoint string
	apiKey   string
}

func NewPushProvider(apiKey string) (*PushProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)

	return NewPushProviderWithClient(apiKey, defaultFCMEndpoint, client)
}

func NewPushProviderWithClient(apiKey, endpoint string, client *resty.Client) (*PushProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("fcm api key is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("fcm endpoint is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return &PushProvider{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
	}, nil
}

func (p *PushProvider) Send(ctx context.Context, address string, msg Message) (*Response, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(address) == "" {
		return nil, &ProviderError{
			Message:   "no device token registered",
			Retryable: false,
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	reqBody := fcmRequest{
		To: address,
		Notification: fcmNotification{
			Title: pushTitle,
			Body:  fmt.Sprintf("File: %s\nTest: %s\nValue: %s", msg.FileNumber, msg.TestName, msg.Value),
		},
		Data: map[string]string{
			"alert_id": msg.AlertID,
			"severity": strings.ToLower(msg.Severity.String()),
		},
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "key="+p.apiKey).
		SetBody(reqBody).
		SetResult(&fcmResponse{}).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "fcm request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    providerErrorMessage(statusCode, responseBody),
			Retryable:  isRetryableHTTPStatus(statusCode),
		}
	}

	result, ok := response.Result().(*fcmResponse)
	if !ok || result == nil {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    "fcm returned unparseable response",
			Retryable:  true,
		}
	}

	if result.Failure > 0 || result.Success == 0 {
		fcmErr := ""
		if len(result.Results) > 0 {
			fcmErr = result.Results[0].Error
		}
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("fcm rejected message: %s", fcmErr),
			Retryable:  !permanentFCMErrors[fcmErr],
		}
	}

	messageID := ""
	if len(result.Results) > 0 {
		messageID = result.Results[0].MessageID
	}

	return &Response{
		StatusCode: statusCode,
		Body:       responseBody,
		MessageID:  messageID,
	}, nil
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

type twilioMessageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// WhatsAppProvider delivers alert notifications over WhatsApp through the
// Twilio Messages API. The address is the recipient's WhatsApp number.
type WhatsAppProvider struct {
	client     *resty.Client
	baseURL    string
	accountSID string
	authToken  string
	from       string
}

func NewWhatsAppProvider(accountSID, authToken, from string) (*WhatsAppProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)

	return NewWhatsAppProviderWithClient(accountSID, authToken, from, defaultTwilioBaseURL, client)
}

func NewWhatsAppProviderWithClient(accountSID, authToken, from, baseURL string, client *resty.Client) (*WhatsAppProvider, error) {
	if strings.TrimSpace(accountSID) == "" || strings.TrimSpace(authToken) == "" {
		return nil, fmt.Errorf("twilio credentials are required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("twilio whatsapp sender number is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("twilio base url is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return &WhatsAppProvider{
		client:     client,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		accountSID: strings.TrimSpace(accountSID),
		authToken:  strings.TrimSpace(authToken),
		from:       normalizeWhatsAppAddress(from),
	}, nil
}

func (p *WhatsAppProvider) Send(ctx context.Context, address string, msg Message) (*Response, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(address) == "" {
		return nil, &ProviderError{
			Message:   "no whatsapp number configured for recipient",
			Retryable: false,
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	body := fmt.Sprintf(
		"🚨 *Critical Lab Result Alert* 🚨\nPatient File: %s\nTest: %s\nValue: %s",
		msg.FileNumber, msg.TestName, msg.Value,
	)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, p.accountSID)

	response, err := p.client.R().
		SetContext(ctx).
		SetBasicAuth(p.accountSID, p.authToken).
		SetFormData(map[string]string{
			"From": p.from,
			"To":   normalizeWhatsAppAddress(address),
			"Body": body,
		}).
		SetResult(&twilioMessageResponse{}).
		Post(endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "twilio request failed",
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

	messageID := ""
	if result, ok := response.Result().(*twilioMessageResponse); ok && result != nil {
		messageID = result.SID
	}

	return &Response{
		StatusCode: statusCode,
		Body:       responseBody,
		MessageID:  messageID,
	}, nil
}

func normalizeWhatsAppAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	if strings.HasPrefix(trimmed, "whatsapp:") {
		return trimmed
	}
	return "whatsapp:" + trimmed
}

var _ Provider = (*PushProvider)(nil)
var _ Provider = (*WhatsAppProvider)(nil)

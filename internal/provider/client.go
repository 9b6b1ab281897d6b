// Package provider предоставляет клиенты платёжных провайдеров для проверки статуса транзакций.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrProviderUnavailable возвращается, если провайдер не ответил или ответил ошибкой.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Outcome описывает итог транзакции с точки зрения провайдера.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ParseOutcome приводит статус провайдера к одному из трёх итогов.
// Неизвестные статусы считаются незавершёнными.
func ParseOutcome(s string) Outcome {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "completed", "delivered":
		return OutcomeSuccess
	case "failed", "failure", "cancelled", "declined", "reversed":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// Status описывает ответ провайдера по одной транзакции.
type Status struct {
	Reference         string  `json:"reference"`
	Status            Outcome `json:"status"`
	ProviderReference string  `json:"provider_reference,omitempty"`
	Amount            int64   `json:"amount,omitempty"`
}

// UnmarshalJSON нормализует поле status.
func (s *Status) UnmarshalJSON(data []byte) error {
	type alias Status
	var raw struct {
		alias
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Status(raw.alias)
	s.Status = ParseOutcome(raw.Status)
	return nil
}

// Client инкапсулирует HTTP-взаимодействие с одним провайдером.
type Client struct {
	name       string
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент провайдера по указанному адресу.
func NewClient(name, baseURL string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		name:       name,
		baseURL:    base,
		httpClient: rc,
	}
}

// Name возвращает имя провайдера.
func (c *Client) Name() string {
	return c.name
}

// QueryStatus запрашивает у провайдера актуальный статус транзакции по reference.
// Ответы 204 и 404 означают, что провайдер ещё не знает о транзакции.
func (c *Client) QueryStatus(ctx context.Context, reference string) (*Status, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: client not configured", ErrProviderUnavailable)
	}

	endpoint := fmt.Sprintf("%s/api/transactions/%s", c.baseURL, url.PathEscape(reference))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, c.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return &Status{Reference: reference, Status: OutcomePending}, nil
	default:
		return nil, fmt.Errorf("%w: %s: unexpected status %d", ErrProviderUnavailable, c.name, resp.StatusCode)
	}

	var result Status
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrProviderUnavailable, c.name, err)
	}
	if result.Reference == "" {
		result.Reference = reference
	}

	return &result, nil
}

// Sign вычисляет подпись тела webhook-запроса.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись тела webhook-запроса за постоянное время.
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.ToLower(signature)))
}

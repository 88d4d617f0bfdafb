package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"example.com/design-market/pkg/circuitbreaker"
	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
	"example.com/design-market/services/market/internal/domain"
)

// tokenRefreshMargin — токен обновляется заранее, до истечения срока.
const tokenRefreshMargin = time.Minute

// maxErrorBody — сколько байт тела ошибки читать для диагностики.
const maxErrorBody = 4096

// Config — настройки клиента PayPal.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	BrandName    string
}

// PayPalClient — реализация Client для PayPal REST API v2.
type PayPalClient struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time

	mu        sync.Mutex
	token     string
	tokenExp  time.Time
	tokenOnce singleflight.Group
}

// NewPayPalClient создаёт клиента с трассируемым HTTP транспортом.
func NewPayPalClient(cfg Config) *PayPalClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	settings := circuitbreaker.DefaultSettings()
	settings.IsFailure = func(err error) bool {
		return errors.Is(err, domain.ErrProviderUnavailable)
	}

	return &PayPalClient{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: circuitbreaker.NewWithSettings("paypal", settings),
		now:     time.Now,
	}
}

// =============================================================================
// JSON структуры API
// =============================================================================

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

type captureJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

type purchaseUnitJSON struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      *money `json:"amount,omitempty"`
	Payments    *struct {
		Captures []captureJSON `json:"captures"`
	} `json:"payments,omitempty"`
}

type orderJSON struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	Links         []link             `json:"links"`
	PurchaseUnits []purchaseUnitJSON `json:"purchase_units"`
	Payer         *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer,omitempty"`
}

type createOrderJSON struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnitJSON `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
	UserAction         string `json:"user_action"`
	ShippingPreference string `json:"shipping_preference"`
}

type refundJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount *money `json:"amount,omitempty"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e apiError) String() string {
	parts := []string{e.Name}
	for _, d := range e.Details {
		parts = append(parts, d.Issue)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, ": ")
}

// =============================================================================
// Операции
// =============================================================================

// CreateOrder создаёт удалённый заказ с intent=CAPTURE.
func (c *PayPalClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*RemoteOrder, error) {
	body := createOrderJSON{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnitJSON{{
			ReferenceID: req.ReferenceID,
			Description: req.Description,
			Amount:      &money{CurrencyCode: req.Currency, Value: FormatAmount(req.Amount)},
		}},
		ApplicationContext: applicationContext{
			BrandName:          c.cfg.BrandName,
			ReturnURL:          req.ReturnURL,
			CancelURL:          req.CancelURL,
			UserAction:         "PAY_NOW",
			ShippingPreference: "NO_SHIPPING",
		},
	}

	var out orderJSON
	if err := c.call(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", req.RequestID, body, &out); err != nil {
		return nil, err
	}
	return toRemoteOrder(out)
}

// GetOrder возвращает текущее состояние удалённого заказа.
func (c *PayPalClient) GetOrder(ctx context.Context, orderID string) (*RemoteOrder, error) {
	var out orderJSON
	if err := c.call(ctx, "get_order", http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), "", nil, &out); err != nil {
		return nil, err
	}
	return toRemoteOrder(out)
}

// CaptureOrder списывает одобренный заказ. requestID делает вызов идемпотентным.
func (c *PayPalClient) CaptureOrder(ctx context.Context, orderID, requestID string) (*RemoteOrder, error) {
	var out orderJSON
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	if err := c.call(ctx, "capture_order", http.MethodPost, path, requestID, struct{}{}, &out); err != nil {
		return nil, err
	}
	return toRemoteOrder(out)
}

// RefundCapture возвращает списанные средства полностью или частично.
func (c *PayPalClient) RefundCapture(ctx context.Context, captureID string, amount int64, currency, requestID string) (*Refund, error) {
	body := map[string]any{
		"amount": money{CurrencyCode: currency, Value: FormatAmount(amount)},
	}

	var out refundJSON
	path := "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund"
	if err := c.call(ctx, "refund_capture", http.MethodPost, path, requestID, body, &out); err != nil {
		return nil, err
	}

	refund := &Refund{ID: out.ID, Status: out.Status, Amount: amount}
	if out.Amount != nil {
		if v, err := ParseAmount(out.Amount.Value); err == nil {
			refund.Amount = v
		}
	}
	return refund, nil
}

// =============================================================================
// Транспорт
// =============================================================================

// call выполняет авторизованный JSON запрос через circuit breaker.
func (c *PayPalClient) call(ctx context.Context, op, method, path, requestID string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.breaker.Execute(func() error {
		return c.doJSON(ctx, op, method, path, requestID, in, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = unavailable(op, err)
	}

	result := "success"
	switch {
	case errors.Is(err, domain.ErrProviderRejected):
		result = "rejected"
	case err != nil:
		result = "unavailable"
	}
	metrics.ProviderCallsTotal.WithLabelValues(op, result).Inc()

	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("operation", op).Msg("Ошибка вызова провайдера")
	}
	return err
}

func (c *PayPalClient) doJSON(ctx context.Context, op, method, path, requestID string, in, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ошибка сериализации запроса %s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.http.Do(req)
	if err != nil {
		return unavailable(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(op, resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return unavailable(op, fmt.Errorf("некорректный ответ: %w", err))
	}
	return nil
}

// checkStatus сопоставляет HTTP статус ошибке домена.
// 401 сбрасывает кэш токена; 408, 429 и 5xx считаются временными.
func (c *PayPalClient) checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var apiErr apiError
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Name != "" {
		detail = apiErr.String()
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.resetToken()
		return unavailable(op, fmt.Errorf("HTTP 401: %s", detail))
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return unavailable(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, detail))
	default:
		return rejected(op, resp.StatusCode, detail)
	}
}

// accessToken возвращает кэшированный OAuth2 токен или получает новый.
// Параллельные запросы разделяют одно обращение к /v1/oauth2/token.
func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.tokenOnce.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *PayPalClient) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("ошибка создания запроса токена: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", unavailable("oauth_token", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		// Неверные учётные данные - не отказ по заказу: повтор позже возможен после исправления конфигурации.
		return "", unavailable("oauth_token", fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.AccessToken == "" {
		return "", unavailable("oauth_token", fmt.Errorf("некорректный ответ токена: %v", err))
	}

	exp := c.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenRefreshMargin)

	c.mu.Lock()
	c.token = out.AccessToken
	c.tokenExp = exp
	c.mu.Unlock()

	return out.AccessToken, nil
}

func (c *PayPalClient) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// toRemoteOrder извлекает из ответа ссылку одобрения, email плательщика и списания.
func toRemoteOrder(o orderJSON) (*RemoteOrder, error) {
	ro := &RemoteOrder{ID: o.ID, Status: o.Status}
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			ro.ApprovalURL = l.Href
			break
		}
	}
	if o.Payer != nil {
		ro.PayerEmail = o.Payer.EmailAddress
	}
	for _, pu := range o.PurchaseUnits {
		if pu.Payments == nil {
			continue
		}
		for _, cap := range pu.Payments.Captures {
			amount, err := ParseAmount(cap.Amount.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: сумма списания %s: %v", domain.ErrProviderUnavailable, cap.ID, err)
			}
			ro.Captures = append(ro.Captures, Capture{
				ID:       cap.ID,
				Status:   cap.Status,
				Amount:   amount,
				Currency: cap.Amount.CurrencyCode,
			})
		}
	}
	return ro, nil
}

// Package webhook проверяет подлинность входящих уведомлений провайдера
// и применяет их к платежам и заказам.
package webhook

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"example.com/design-market/services/market/internal/domain"
)

// Заголовки подписи провайдера.
const (
	HeaderAuthAlgo         = "PAYPAL-AUTH-ALGO"
	HeaderTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	HeaderCertURL          = "PAYPAL-CERT-URL"
	HeaderTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
	HeaderTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
)

// supportedAlgo — единственный принимаемый алгоритм подписи.
const supportedAlgo = "SHA256withRSA"

const maxCertBytes = 64 << 10

// Headers — заголовки подписи одного уведомления.
type Headers struct {
	AuthAlgo         string
	TransmissionID   string
	CertURL          string
	Signature        string
	TransmissionTime string
}

// HeadersFrom извлекает заголовки подписи из HTTP запроса.
func HeadersFrom(h http.Header) Headers {
	return Headers{
		AuthAlgo:         strings.TrimSpace(h.Get(HeaderAuthAlgo)),
		TransmissionID:   strings.TrimSpace(h.Get(HeaderTransmissionID)),
		CertURL:          strings.TrimSpace(h.Get(HeaderCertURL)),
		Signature:        strings.TrimSpace(h.Get(HeaderTransmissionSig)),
		TransmissionTime: strings.TrimSpace(h.Get(HeaderTransmissionTime)),
	}
}

func (h Headers) missing() []string {
	var names []string
	if h.AuthAlgo == "" {
		names = append(names, HeaderAuthAlgo)
	}
	if h.TransmissionID == "" {
		names = append(names, HeaderTransmissionID)
	}
	if h.CertURL == "" {
		names = append(names, HeaderCertURL)
	}
	if h.Signature == "" {
		names = append(names, HeaderTransmissionSig)
	}
	if h.TransmissionTime == "" {
		names = append(names, HeaderTransmissionTime)
	}
	return names
}

// VerifierConfig — настройки проверки.
type VerifierConfig struct {
	WebhookID string
	// Lenient - проверять только формат заголовков (sandbox).
	Lenient   bool
	MaxAge    time.Duration
	CertHosts []string
}

// Verifier проверяет подпись уведомлений.
type Verifier struct {
	cfg   VerifierConfig
	hosts map[string]struct{}
	http  *http.Client
	roots *x509.CertPool
	now   func() time.Time

	mu    sync.RWMutex
	certs map[string]*x509.Certificate
	fetch singleflight.Group
}

// VerifierOption настраивает Verifier.
type VerifierOption func(*Verifier)

// WithHTTPClient задаёт клиента для загрузки сертификатов.
func WithHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) { v.http = c }
}

// WithRoots задаёт корневые сертификаты вместо системных.
func WithRoots(pool *x509.CertPool) VerifierOption {
	return func(v *Verifier) { v.roots = pool }
}

// WithClock задаёт источник времени.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier создаёт Verifier.
func NewVerifier(cfg VerifierConfig, opts ...VerifierOption) *Verifier {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	v := &Verifier{
		cfg:   cfg,
		hosts: make(map[string]struct{}, len(cfg.CertHosts)),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now:   time.Now,
		certs: make(map[string]*x509.Certificate),
	}
	for _, h := range cfg.CertHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			v.hosts[h] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Lenient возвращает true в упрощённом режиме проверки.
func (v *Verifier) Lenient() bool {
	return v.cfg.Lenient
}

// Verify проверяет уведомление. Любая причина отказа оборачивает domain.ErrVerificationFailed.
func (v *Verifier) Verify(ctx context.Context, h Headers, body []byte) error {
	if missing := h.missing(); len(missing) > 0 {
		return fail("нет заголовков %s", strings.Join(missing, ", "))
	}

	sent, err := time.Parse(time.RFC3339, h.TransmissionTime)
	if err != nil {
		return fail("некорректное время отправки %q", h.TransmissionTime)
	}
	age := v.now().Sub(sent)
	if age > v.cfg.MaxAge || age < -v.cfg.MaxAge {
		return fail("время отправки вне окна %s: %s", v.cfg.MaxAge, h.TransmissionTime)
	}

	if v.cfg.Lenient {
		return nil
	}

	if !strings.EqualFold(h.AuthAlgo, supportedAlgo) {
		return fail("неподдерживаемый алгоритм %q", h.AuthAlgo)
	}
	if v.cfg.WebhookID == "" {
		return fail("не задан идентификатор webhook")
	}

	sig, err := base64.StdEncoding.DecodeString(h.Signature)
	if err != nil {
		return fail("подпись не в base64")
	}

	cert, err := v.certificate(ctx, h.CertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fail("ключ сертификата не RSA")
	}

	message := fmt.Sprintf("%s|%s|%s|%d", h.TransmissionID, h.TransmissionTime, v.cfg.WebhookID, crc32.ChecksumIEEE(body))
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fail("подпись не совпадает")
	}
	return nil
}

// certificate возвращает проверенный сертификат из кэша или загружает его.
// Срок действия проверяется при каждом обращении.
func (v *Verifier) certificate(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return nil, fail("адрес сертификата должен быть https: %q", rawURL)
	}
	if _, ok := v.hosts[strings.ToLower(u.Hostname())]; !ok {
		return nil, fail("хост сертификата не разрешён: %q", u.Hostname())
	}

	v.mu.RLock()
	cert, ok := v.certs[rawURL]
	v.mu.RUnlock()

	if !ok {
		res, err, _ := v.fetch.Do(rawURL, func() (any, error) {
			return v.download(ctx, rawURL)
		})
		if err != nil {
			return nil, err
		}
		cert = res.(*x509.Certificate)
	}

	now := v.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		v.mu.Lock()
		delete(v.certs, rawURL)
		v.mu.Unlock()
		return nil, fail("сертификат вне срока действия")
	}
	return cert, nil
}

func (v *Verifier) download(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса сертификата: %w", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки сертификата: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ошибка загрузки сертификата: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сертификата: %w", err)
	}

	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fail("некорректный сертификат: %v", err)
		}
		chain = append(chain, c)
	}
	if len(chain) == 0 {
		return nil, fail("в ответе нет сертификата")
	}

	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fail("цепочка сертификата не прошла проверку: %v", err)
	}

	v.mu.Lock()
	v.certs[rawURL] = leaf
	v.mu.Unlock()
	return leaf, nil
}

func fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrVerificationFailed, fmt.Sprintf(format, args...))
}

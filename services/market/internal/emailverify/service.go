// Package emailverify подтверждает, что гость владеет адресом email:
// шестизначный код хранится в Redis в виде bcrypt-хэша.
package emailverify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/email"
)

// Префиксы ключей Redis.
const (
	prefixCode     = "market:emailverify:code:"
	prefixAttempts = "market:emailverify:attempts:"
	prefixVerified = "market:emailverify:verified:"
	prefixCooldown = "market:emailverify:cooldown:"
)

const codeDigits = 6

// Config — настройки подтверждения.
type Config struct {
	CodeTTL        time.Duration
	MaxAttempts    int
	VerifiedTTL    time.Duration
	ResendCooldown time.Duration
}

// Service выдаёт и проверяет коды подтверждения.
type Service struct {
	rdb    *redis.Client
	sender email.Sender
	cfg    Config
	now    func() time.Time
	code   func() (string, error)
}

// NewService создаёт сервис подтверждения email.
func NewService(rdb *redis.Client, sender email.Sender, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Service{
		rdb:    rdb,
		sender: sender,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		code:   generateCode,
	}
}

// attemptsScript увеличивает счётчик попыток и в той же операции ставит ему TTL кода.
var attemptsScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// Send генерирует новый код и отправляет его на адрес.
// Предыдущий код и счётчик попыток сбрасываются.
func (s *Service) Send(ctx context.Context, addr string) error {
	addr, err := normalize(addr)
	if err != nil {
		return err
	}

	if s.cfg.ResendCooldown > 0 {
		ok, err := s.rdb.SetNX(ctx, prefixCooldown+addr, "1", s.cfg.ResendCooldown).Result()
		if err != nil {
			return fmt.Errorf("ошибка проверки интервала отправки: %w", err)
		}
		if !ok {
			return domain.ErrResendCooldown
		}
	}

	code, err := s.code()
	if err != nil {
		return fmt.Errorf("ошибка генерации кода: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("ошибка хэширования кода: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, prefixCode+addr, hash, s.cfg.CodeTTL)
	pipe.Del(ctx, prefixAttempts+addr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ошибка сохранения кода: %w", err)
	}

	msg, err := email.Render(email.TemplateVerificationCode, addr, "Код подтверждения / Verification code",
		email.VerificationCodeData{Code: code, TTLMinutes: int(s.cfg.CodeTTL.Minutes())})
	if err != nil {
		return err
	}
	if _, err := s.sender.Send(ctx, msg); err != nil {
		// Код, который не дошёл, не должен блокировать повторную отправку.
		if delErr := s.rdb.Del(context.WithoutCancel(ctx), prefixCode+addr, prefixCooldown+addr).Err(); delErr != nil {
			logger.Ctx(ctx).Warn().Err(delErr).Str("email", maskEmail(addr)).Msg("Не удалось сбросить неотправленный код")
		}
		return fmt.Errorf("%w: %v", domain.ErrEmailTransport, err)
	}

	logger.Ctx(ctx).Info().Str("email", maskEmail(addr)).Msg("Код подтверждения отправлен")
	return nil
}

// Confirm проверяет код. Успешная проверка удаляет код и ставит маркер verified.
func (s *Service) Confirm(ctx context.Context, addr, code string) (time.Time, error) {
	addr, err := normalize(addr)
	if err != nil {
		return time.Time{}, err
	}

	hash, err := s.rdb.Get(ctx, prefixCode+addr).Bytes()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, domain.ErrVerificationCodeInvalid
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка чтения кода: %w", err)
	}

	attempts, err := attemptsScript.Run(ctx, s.rdb, []string{prefixAttempts + addr}, s.cfg.CodeTTL.Milliseconds()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка учёта попыток: %w", err)
	}
	if attempts > int64(s.cfg.MaxAttempts) {
		if err := s.rdb.Del(ctx, prefixCode+addr).Err(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("email", maskEmail(addr)).Msg("Не удалось удалить исчерпанный код")
		}
		return time.Time{}, domain.ErrTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(strings.TrimSpace(code))) != nil {
		return time.Time{}, domain.ErrVerificationCodeInvalid
	}

	now := s.now()
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, prefixCode+addr, prefixAttempts+addr)
	pipe.Set(ctx, prefixVerified+addr, now.Format(time.RFC3339), s.cfg.VerifiedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, fmt.Errorf("ошибка сохранения подтверждения: %w", err)
	}

	logger.Ctx(ctx).Info().Str("email", maskEmail(addr)).Msg("Email подтверждён")
	return now, nil
}

// VerifiedAt возвращает момент подтверждения адреса, пока маркер не истёк.
func (s *Service) VerifiedAt(ctx context.Context, addr string) (time.Time, bool, error) {
	addr, err := normalize(addr)
	if err != nil {
		return time.Time{}, false, nil
	}

	raw, err := s.rdb.Get(ctx, prefixVerified+addr).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ошибка чтения подтверждения: %w", err)
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("некорректный маркер подтверждения: %w", err)
	}
	return at, true, nil
}

func normalize(addr string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(addr))
	if err != nil {
		return "", domain.ErrInvalidContact
	}
	return strings.ToLower(parsed.Address), nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// maskEmail оставляет в логах первую букву и домен.
func maskEmail(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at <= 1 {
		return "***" + addr[max(at, 0):]
	}
	return addr[:1] + "***" + addr[at:]
}

package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const (
	orderNumberPrefix   = "BD"
	orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderNumberSuffix   = 4
)

var orderNumberPattern = regexp.MustCompile(`^BD\d{10}-[A-Z0-9]{4}$`)

// GenerateOrderNumber возвращает номер вида BD<YY><MM><DD><HH><mm>-<XXXX>.
// Время берётся в UTC, суффикс генерируется crypto/rand.
func GenerateOrderNumber(now time.Time) (string, error) {
	suffix := make([]byte, orderNumberSuffix)
	max := big.NewInt(int64(len(orderNumberAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("ошибка генерации номера заказа: %w", err)
		}
		suffix[i] = orderNumberAlphabet[n.Int64()]
	}
	return orderNumberPrefix + now.UTC().Format("0601021504") + "-" + string(suffix), nil
}

// IsValidOrderNumber проверяет формат номера заказа.
func IsValidOrderNumber(s string) bool {
	return orderNumberPattern.MatchString(s)
}

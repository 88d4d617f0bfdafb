package domain

import "time"

// EmailJobKindDeliveryFallback — отложенная проверка отправки письма доставки.
const EmailJobKindDeliveryFallback = "delivery_fallback"

// EmailJob — отложенная задача гарантии отправки письма.
// Хранится в БД и переживает перезапуск процесса.
type EmailJob struct {
	ID          string
	PaymentID   string
	Kind        string
	RunAt       time.Time
	Attempts    int
	LockedUntil *time.Time
	DoneAt      *time.Time
	LastError   *string
	CreatedAt   time.Time
}

// NextRunAt возвращает время следующей попытки с линейным backoff.
func (j *EmailJob) NextRunAt(base time.Duration, now time.Time) time.Time {
	return now.Add(base * time.Duration(j.Attempts+1))
}

// Package materializer превращает снимок корзины подтверждённого платежа
// в постоянный оплаченный заказ ровно один раз.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/lifecycle"
	"example.com/design-market/services/market/internal/repository"
)

// Обобщённая позиция для заказа, который не удалось собрать по каталогу.
const (
	FallbackServiceID = "generic"
	fallbackTitleEn   = "Design services"
	fallbackTitleAr   = "خدمات التصميم"
)

// Materializer создаёт заказ из TemporaryOrderContext платежа.
type Materializer struct {
	orders    repository.OrderRepository
	catalog   repository.CatalogRepository
	users     repository.UserRepository
	lifecycle *lifecycle.Service
}

// New создаёт Materializer.
func New(orders repository.OrderRepository, catalog repository.CatalogRepository, users repository.UserRepository, lc *lifecycle.Service) *Materializer {
	return &Materializer{orders: orders, catalog: catalog, users: users, lifecycle: lc}
}

// Materialize возвращает оплаченный заказ подтверждённого платежа.
// Если заказ уже создан (в том числе параллельным вызовом), возвращается существующий.
func (m *Materializer) Materialize(ctx context.Context, p *domain.Payment) (*domain.Order, error) {
	if !p.IsConfirmed() {
		return nil, fmt.Errorf("платёж %s не подтверждён: %w", p.ID, domain.ErrInvalidTransition)
	}

	if p.OrderID != nil {
		order, err := m.orders.GetByID(ctx, *p.OrderID)
		if err != nil {
			return nil, err
		}
		if _, err := m.lifecycle.MarkOrderPaid(ctx, order, p.ID); err != nil {
			return nil, err
		}
		return order, nil
	}

	tmp, ok := p.TemporaryContext()
	if !ok {
		return nil, fmt.Errorf("платёж %s: %w", p.ID, domain.ErrInvalidCheckoutContext)
	}
	snap := tmp.Snapshot

	items, err := m.priceItems(ctx, snap.Items, p.Currency)
	if err != nil {
		return nil, err
	}

	contact := snap.Contact
	if contact.Email == "" && p.PayerEmail != nil {
		contact.Email = *p.PayerEmail
	}

	now := m.lifecycle.Now()
	order := domain.NewOrder(uuid.NewString(), m.matchUser(ctx, snap, p), contact, items, now)
	order.Currency = p.Currency
	order.Notes = snap.Notes
	order.EmailVerified = snap.EmailVerified
	order.EmailVerifiedAt = snap.EmailVerifiedAt

	captured := p.Amount
	if p.CapturedAmount != nil {
		captured = *p.CapturedAmount
	}

	if len(items) == 0 {
		m.applyFallback(ctx, order, p, captured)
	} else if order.Total != captured {
		logger.Ctx(ctx).Warn().
			Str("payment_id", p.ID).
			Int64("order_total", order.Total).
			Int64("captured", captured).
			Msg("Сумма заказа по каталогу отличается от списанной")
	}

	result, created, err := m.lifecycle.MaterializePaid(ctx, order, p)
	if err != nil {
		return nil, err
	}

	log := logger.Ctx(ctx).Info().
		Str("payment_id", p.ID).
		Str("order_id", result.ID)
	if created {
		log.Str("order_number", result.PublicOrderNumber()).Msg("Заказ материализован")
	} else {
		log.Msg("Заказ уже материализован параллельным обработчиком")
	}
	return result, nil
}

// priceItems пересчитывает позиции по каталогу в валюте платежа.
// Неизвестные, неактивные и услуги без цены в этой валюте отбрасываются.
func (m *Materializer) priceItems(ctx context.Context, snapshot []domain.SnapshotItem, currency string) ([]domain.OrderItem, error) {
	ids := make([]string, 0, len(snapshot))
	for _, it := range snapshot {
		ids = append(ids, it.ServiceID)
	}
	services, err := m.catalog.GetServices(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки каталога: %w", err)
	}

	var items []domain.OrderItem
	for _, it := range snapshot {
		if it.Quantity <= 0 {
			continue
		}
		svc, ok := services[it.ServiceID]
		if !ok {
			logger.Ctx(ctx).Warn().Str("service_id", it.ServiceID).Msg("Услуга из корзины не найдена в каталоге")
			continue
		}
		price, ok := svc.PriceIn(currency)
		if !ok {
			logger.Ctx(ctx).Warn().
				Str("service_id", it.ServiceID).
				Str("currency", currency).
				Msg("У услуги нет цены в валюте платежа")
			continue
		}
		items = append(items, domain.OrderItem{
			ServiceID: svc.ID,
			TitleEn:   svc.TitleEn,
			TitleAr:   svc.TitleAr,
			Quantity:  it.Quantity,
			UnitPrice: price,
			Currency:  currency,
		})
	}
	return items, nil
}

// matchUser ищет зарегистрированного пользователя: сначала id из снимка,
// затем email оформления, затем email плательщика. Иначе заказ гостевой.
func (m *Materializer) matchUser(ctx context.Context, snap domain.CheckoutSnapshot, p *domain.Payment) *string {
	if snap.UserID != nil {
		return snap.UserID
	}
	if p.UserID != nil {
		return p.UserID
	}

	candidates := []string{snap.Contact.Email}
	if p.PayerEmail != nil {
		candidates = append(candidates, *p.PayerEmail)
	}
	for _, email := range candidates {
		if strings.TrimSpace(email) == "" {
			continue
		}
		user, err := m.users.FindByEmail(ctx, email)
		if errors.Is(err, domain.ErrUserNotFound) {
			continue
		}
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Ошибка поиска пользователя, заказ будет гостевым")
			return nil
		}
		return &user.ID
	}
	return nil
}

// applyFallback собирает заказ из одной обобщённой позиции на списанную сумму.
// НДС уже входит в сумму: subtotal = total = captured, tax = 0.
func (m *Materializer) applyFallback(ctx context.Context, order *domain.Order, p *domain.Payment, captured int64) {
	order.TaxIncluded = true
	order.SetItems([]domain.OrderItem{{
		ServiceID: FallbackServiceID,
		TitleEn:   fallbackTitleEn,
		TitleAr:   fallbackTitleAr,
		Quantity:  1,
		UnitPrice: captured,
		Currency:  p.Currency,
	}})
	p.Markers.MaterializationFallback = true

	logger.Ctx(ctx).Warn().
		Str("payment_id", p.ID).
		Int64("captured", captured).
		Msg("Ни одна позиция корзины не найдена в каталоге, заказ собран из обобщённой позиции")
	metrics.MaterializerFallbacksTotal.Inc()
}

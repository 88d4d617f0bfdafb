// Package delivery собирает ссылки на цифровые материалы оплаченного заказа.
package delivery

import (
	"context"
	"fmt"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/repository"
)

// Config — резервная ссылка для заказов без материалов в каталоге.
type Config struct {
	PlaceholderURL   string
	PlaceholderTitle string
}

// Resolver ищет ссылки доставки по услугам заказа.
type Resolver struct {
	catalog repository.CatalogRepository
	cfg     Config
}

// NewResolver создаёт Resolver.
func NewResolver(catalog repository.CatalogRepository, cfg Config) *Resolver {
	return &Resolver{catalog: catalog, cfg: cfg}
}

// Result — ссылки для письма.
type Result struct {
	Links       []domain.DeliveryLink
	Placeholder bool
}

// Resolve возвращает ссылки в порядке позиций заказа без повторов по URL.
// Если ссылок нет, возвращается одна резервная ссылка.
func (r *Resolver) Resolve(ctx context.Context, order *domain.Order) (Result, error) {
	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ServiceID)
	}

	services, err := r.catalog.GetServices(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("ошибка загрузки каталога для заказа %s: %w", order.ID, err)
	}

	seen := make(map[string]struct{})
	var links []domain.DeliveryLink
	for _, item := range order.Items {
		svc, ok := services[item.ServiceID]
		if !ok {
			continue
		}
		for _, link := range svc.DeliveryLinks {
			if link.URL == "" {
				continue
			}
			if _, dup := seen[link.URL]; dup {
				continue
			}
			seen[link.URL] = struct{}{}
			links = append(links, link)
		}
	}

	if len(links) > 0 {
		return Result{Links: links}, nil
	}

	logger.Ctx(ctx).Warn().
		Str("order_id", order.ID).
		Err(domain.ErrDeliveryContentMissing).
		Msg("У услуг заказа нет ссылок доставки, отправляем резервную")
	metrics.DeliveryPlaceholdersTotal.Inc()

	return Result{
		Links:       []domain.DeliveryLink{{Title: r.cfg.PlaceholderTitle, URL: r.cfg.PlaceholderURL}},
		Placeholder: true,
	}, nil
}

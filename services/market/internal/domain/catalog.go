package domain

// DeliveryLink — ссылка на цифровые материалы услуги.
type DeliveryLink struct {
	Title  string   `json:"title"`
	URL    string   `json:"url"`
	Locale string   `json:"locale,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Service — услуга каталога.
type Service struct {
	ID               string
	TitleEn          string
	TitleAr          string
	Active           bool
	PricesByCurrency map[string]int64 // Цена в минимальных единицах по валютам
	DeliveryLinks    []DeliveryLink
}

// PriceIn возвращает цену услуги в указанной валюте.
func (s *Service) PriceIn(currency string) (int64, bool) {
	price, ok := s.PricesByCurrency[currency]
	return price, ok
}

// User — зарегистрированный пользователь из справочника.
type User struct {
	ID    string
	Email string
	Name  string
}

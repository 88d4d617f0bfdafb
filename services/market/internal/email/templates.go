package email

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	texttemplate "text/template"

	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/provider"
)

// Имена шаблонов.
const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateVerificationCode  = "verification_code"
)

//go:embed templates/*.html templates/*.txt
var templatesFS embed.FS

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templatesFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/*.txt"))
)

// ItemLine — строка позиции в письме.
type ItemLine struct {
	TitleEn  string
	TitleAr  string
	Quantity int32
	Total    string
}

// OrderConfirmationData — данные письма с заказом.
type OrderConfirmationData struct {
	Subject      string
	CustomerName string
	OrderNumber  string
	Items        []ItemLine
	Subtotal     string
	Tax          string
	Discount     string
	Total        string
	Currency     string
	TaxIncluded  bool
	Links        []domain.DeliveryLink
	Placeholder  bool
	SupportEmail string
}

// NewOrderConfirmationData собирает данные письма из заказа и ссылок.
func NewOrderConfirmationData(order *domain.Order, links []domain.DeliveryLink, placeholder bool, supportEmail string) OrderConfirmationData {
	name := order.Contact.Name
	if name == "" {
		name = "customer"
	}
	data := OrderConfirmationData{
		Subject:      "Your order " + order.PublicOrderNumber() + " is confirmed",
		CustomerName: name,
		OrderNumber:  order.PublicOrderNumber(),
		Subtotal:     provider.FormatAmount(order.Subtotal),
		Tax:          provider.FormatAmount(order.Tax),
		Total:        provider.FormatAmount(order.Total),
		Currency:     order.Currency,
		TaxIncluded:  order.TaxIncluded,
		Links:        links,
		Placeholder:  placeholder,
		SupportEmail: supportEmail,
	}
	if order.Discount > 0 {
		data.Discount = provider.FormatAmount(order.Discount)
	}
	for _, item := range order.Items {
		data.Items = append(data.Items, ItemLine{
			TitleEn:  item.TitleEn,
			TitleAr:  item.TitleAr,
			Quantity: item.Quantity,
			Total:    provider.FormatAmount(item.Total()),
		})
	}
	return data
}

// VerificationCodeData — данные письма с кодом подтверждения.
type VerificationCodeData struct {
	Code       string
	TTLMinutes int
}

// Render заполняет HTML и текстовую части письма по шаблону name.
func Render(name, to, subject string, data any) (Message, error) {
	var html, text bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&html, name+".html", data); err != nil {
		return Message{}, err
	}
	if err := textTemplates.ExecuteTemplate(&text, name+".txt", data); err != nil {
		return Message{}, err
	}
	return Message{
		To:       to,
		Subject:  subject,
		HTML:     html.String(),
		Text:     text.String(),
		Template: name,
	}, nil
}

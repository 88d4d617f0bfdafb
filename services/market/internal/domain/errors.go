// Package domain содержит бизнес-сущности и доменные ошибки маркетплейса.
package domain

import "errors"

// Доменные ошибки.
// Обработчики HTTP сопоставляют их с кодами ответа через errors.Is.
var (
	// ErrOrderNotFound возвращается, когда заказ не найден в базе данных.
	ErrOrderNotFound = errors.New("заказ не найден")

	// ErrPaymentNotFound возвращается, когда платёж не найден.
	ErrPaymentNotFound = errors.New("платёж не найден")

	// ErrServiceNotFound возвращается, когда услуга каталога не найдена или неактивна.
	ErrServiceNotFound = errors.New("услуга не найдена")

	// ErrUserNotFound возвращается, когда пользователь с указанным email не найден.
	ErrUserNotFound = errors.New("пользователь не найден")

	// ErrEmptyOrderItems возвращается при попытке создать заказ без позиций.
	ErrEmptyOrderItems = errors.New("заказ должен содержать хотя бы одну позицию")

	// ErrInvalidServiceID возвращается при пустом идентификаторе услуги.
	ErrInvalidServiceID = errors.New("некорректный идентификатор услуги")

	// ErrInvalidTitle возвращается при пустом названии позиции.
	ErrInvalidTitle = errors.New("название позиции не может быть пустым")

	// ErrInvalidQuantity возвращается, когда количество меньше или равно нулю.
	ErrInvalidQuantity = errors.New("количество должно быть больше нуля")

	// ErrInvalidPrice возвращается, когда цена отрицательная.
	ErrInvalidPrice = errors.New("цена не может быть отрицательной")

	// ErrCurrencyMismatch возвращается, когда позиции заказа в разных валютах.
	ErrCurrencyMismatch = errors.New("позиции заказа должны быть в одной валюте")

	// ErrInvalidContact возвращается, когда у гостевого заказа нет email.
	ErrInvalidContact = errors.New("для гостевого заказа нужен email")

	// ErrPricingMismatch возвращается, когда сумма клиента расходится с серверной.
	ErrPricingMismatch = errors.New("сумма заказа не совпадает с рассчитанной")

	// ErrInvalidTransition возвращается при недопустимом переходе статуса.
	ErrInvalidTransition = errors.New("недопустимый переход статуса")

	// ErrOrderNotPaid возвращается для операций, требующих оплаченного заказа.
	ErrOrderNotPaid = errors.New("заказ не оплачен")

	// ErrConcurrentUpdate возвращается, когда условный UPDATE не затронул строку:
	// запись изменилась между чтением и записью.
	ErrConcurrentUpdate = errors.New("запись изменена параллельно")

	// ErrDuplicateOrderNumber возвращается при коллизии номера заказа.
	ErrDuplicateOrderNumber = errors.New("номер заказа уже занят")

	// ErrInvalidCheckoutContext возвращается, когда у платежа нет данных заказа.
	ErrInvalidCheckoutContext = errors.New("некорректный контекст оформления заказа")

	// ErrSessionInProgress возвращается при повторном создании сессии оплаты,
	// пока предыдущая ещё создаётся.
	ErrSessionInProgress = errors.New("сессия оплаты уже создаётся")

	// ErrOrderAlreadyPaid возвращается при попытке создать сессию для оплаченного заказа.
	ErrOrderAlreadyPaid = errors.New("заказ уже оплачен")

	// ErrVerificationFailed возвращается, когда webhook не прошёл проверку подлинности.
	ErrVerificationFailed = errors.New("проверка подписи webhook не пройдена")

	// ErrInvalidWebhookPayload возвращается, когда тело webhook не разбирается.
	ErrInvalidWebhookPayload = errors.New("некорректное тело webhook")

	// ErrProviderUnavailable возвращается при сетевой ошибке или таймауте провайдера.
	ErrProviderUnavailable = errors.New("платёжный провайдер временно недоступен")

	// ErrProviderRejected возвращается, когда провайдер отклонил запрос (4xx).
	ErrProviderRejected = errors.New("платёжный провайдер отклонил запрос")

	// ErrDeliveryContentMissing возвращается, когда у услуг заказа нет ссылок доставки.
	ErrDeliveryContentMissing = errors.New("нет ссылок доставки для заказа")

	// ErrEmailTransport возвращается при ошибке отправки письма.
	ErrEmailTransport = errors.New("ошибка отправки письма")

	// ErrEmailNotVerified возвращается, когда гость не подтвердил email.
	ErrEmailNotVerified = errors.New("email не подтверждён")

	// ErrVerificationCodeInvalid возвращается при неверном или истёкшем коде.
	ErrVerificationCodeInvalid = errors.New("неверный или истёкший код подтверждения")

	// ErrTooManyAttempts возвращается при превышении числа попыток ввода кода.
	ErrTooManyAttempts = errors.New("превышено число попыток ввода кода")

	// ErrResendCooldown возвращается при слишком частой повторной отправке кода.
	ErrResendCooldown = errors.New("код уже отправлен, повторите позже")
)

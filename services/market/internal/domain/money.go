package domain

import "math"

// VATPercent — ставка НДС, начисляемого на подытог заказа.
const VATPercent = 15

// PricingEpsilonMinor — допустимое расхождение суммы клиента (0.01 основной единицы).
const PricingEpsilonMinor = 1

// Все суммы хранятся в минимальных единицах валюты (центы, халалы).
// Поддерживаемые валюты имеют две дробные цифры.

// CalculateTax возвращает НДС для подытога с округлением половины вверх.
// Для нулевого подытога налог равен нулю.
func CalculateTax(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	return (subtotal*VATPercent + 50) / 100
}

// ToMinor переводит сумму в основных единицах (172.5) в минимальные (17250).
func ToMinor(major float64) int64 {
	return int64(math.Round(major * 100))
}

// ToMajor переводит сумму в минимальных единицах в основные.
func ToMajor(minor int64) float64 {
	return float64(minor) / 100
}

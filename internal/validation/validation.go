// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrAmountFormat возвращается для суммы с дробной частью точнее минимальной единицы валюты
// или вне допустимого диапазона.
var ErrAmountFormat = errors.New("invalid amount format")

// MinorUnitExp — число знаков после запятой у сумм в основных единицах.
const MinorUnitExp = 2

const maxReferenceLength = 64

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ToMinorUnits переводит сумму в основных единицах (например, 12.50) в минимальные (1250).
// Знак не проверяется: неположительные суммы отклоняет сервис.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(MinorUnitExp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrAmountFormat
	}
	if minor.Abs().GreaterThan(maxMinor) {
		return 0, ErrAmountFormat
	}
	return minor.IntPart(), nil
}

// FromMinorUnits переводит сумму в минимальных единицах в основные.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExp)
}

// IsValidReference проверяет reference транзакции: латинские буквы, цифры, '-' и '_', не длиннее 64 символов.
func IsValidReference(ref string) bool {
	if ref == "" || len(ref) > maxReferenceLength {
		return false
	}

	for i := 0; i < len(ref); i++ {
		ch := ref[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}

package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	// ErrAmountOverflow is returned when a monetary computation would exceed int64.
	ErrAmountOverflow = errors.New("pricing: amount overflow")
	// ErrNegativeAmount is returned when a quantity or amount is negative.
	ErrNegativeAmount = errors.New("pricing: negative amount")
)

// CouponDiscount computes the discount a coupon yields against a subtotal.
// Percentage values are clamped to [0,100] and floor-divided; fixed values
// are clamped so the discount never exceeds the subtotal. A configured
// minimum order value below which the subtotal falls yields zero.
func CouponDiscount(coupon Coupon, subtotalCents int64) int64 {
	if subtotalCents <= 0 {
		return 0
	}
	if coupon.MinOrderValueCents > 0 && subtotalCents < coupon.MinOrderValueCents {
		return 0
	}
	switch coupon.Type {
	case CouponTypePercentage:
		value := coupon.Value
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		if value == 0 {
			return 0
		}
		if subtotalCents > math.MaxInt64/value {
			// Saturate rather than wrap; subtotals this large are already invalid upstream.
			return subtotalCents
		}
		return subtotalCents * value / 100
	case CouponTypeFixed:
		if coupon.Value <= 0 {
			return 0
		}
		if coupon.Value > subtotalCents {
			return subtotalCents
		}
		return coupon.Value
	default:
		return 0
	}
}

// LineTotal multiplies a quantity by a unit price with overflow protection.
func LineTotal(quantity int, unitPriceCents int64) (int64, error) {
	if quantity < 0 || unitPriceCents < 0 {
		return 0, ErrNegativeAmount
	}
	if quantity > 0 && unitPriceCents > math.MaxInt64/int64(quantity) {
		return 0, ErrAmountOverflow
	}
	return int64(quantity) * unitPriceCents, nil
}

// OrderTotal applies the total identity: subtotal plus shipping minus
// discount, floored at zero.
func OrderTotal(subtotalCents, shippingCents, discountCents int64) int64 {
	total := subtotalCents + shippingCents - discountCents
	if total < 0 {
		return 0
	}
	return total
}

// FormatCents renders an integer-cents amount for human-readable output such
// as email payloads. It is presentation only; arithmetic always stays in
// integer cents.
func FormatCents(amountCents int64, currencyCode string) string {
	sign := ""
	if amountCents < 0 {
		sign = "-"
		amountCents = -amountCents
	}
	major := amountCents / 100
	minor := amountCents % 100

	printer := message.NewPrinter(language.English)
	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return printer.Sprintf("%s%s %d.%02d", sign, strings.ToUpper(strings.TrimSpace(currencyCode)), major, minor)
	}
	symbol := printer.Sprintf("%v", currency.Symbol(unit))
	return fmt.Sprintf("%s%s%s", sign, symbol, printer.Sprintf("%d.%02d", major, minor))
}

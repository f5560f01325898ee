package wallet

import (
	"fmt"

	"github.com/mbd888/watchmarket/internal/money"
)

// Conversion schedule.
const (
	PixFeeRate                = money.Rate(100) // 1%
	CreditCardBaseRate        = money.Rate(350) // 3.5%
	CreditCardInstallmentRate = money.Rate(150) // +1.5% per installment after the first
	AssetRate                 = money.Rate(2000)
)

// FeeRate returns the processing rate for method.
func FeeRate(m Method) (money.Rate, error) {
	switch m.Kind {
	case MethodPix:
		return PixFeeRate, nil
	case MethodAsset:
		return 0, nil
	case MethodCreditCard:
		n := m.Installments
		if n == 0 {
			n = 1
		}
		if n < 1 || n > MaxInstallments {
			return 0, fmt.Errorf("%w: installments must be between 1 and %d", ErrInvalidRequest, MaxInstallments)
		}
		return CreditCardBaseRate + CreditCardInstallmentRate*money.Rate(n-1), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, m.Kind)
	}
}

// Quote computes fee, net and asset amount without charging anything. The
// fee is rounded down to the centavo.
func Quote(amount money.Amount, m Method) (*Conversion, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	rate, err := FeeRate(m)
	if err != nil {
		return nil, err
	}
	fee, net := amount.Split(rate)
	asset := net
	if m.Kind != MethodAsset {
		asset = net.MulRateFloor(AssetRate)
	}
	return &Conversion{Method: m, Amount: amount, Fee: fee, Net: net, AssetAmount: asset}, nil
}

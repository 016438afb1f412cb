package loan

import (
	"fmt"
	"math"
	"time"

	"loan-workflow/internal/pkg/apperrors"
)

// GenerateSchedule amortizes principal over months using the fixed EMI. Each
// installment's interest is rounded on the running balance; the last
// installment takes whatever principal remains so the loan closes at zero.
func GenerateSchedule(principal Money, annualRate float64, months int, emi Money, disbursedAt time.Time) ([]Installment, error) {
	if months <= 0 || principal <= 0 || emi <= 0 {
		return nil, fmt.Errorf("%w: invalid loan terms for schedule generation", apperrors.ErrInvalidArgument)
	}

	r := annualRate / 100 / 12
	balance := principal
	schedule := make([]Installment, 0, months)
	var principalPaid Money

	for i := 1; i <= months; i++ {
		interest := math.Round(balance * r)
		portion := math.Min(math.Round(emi-interest), balance)
		if portion < 0 {
			portion = 0
		}
		if i == months {
			portion = balance
		}
		balance -= portion
		principalPaid += portion

		schedule = append(schedule, Installment{
			InstallmentNo: i,
			DueDate:       dueDate(disbursedAt, i),
			Principal:     portion,
			Interest:      interest,
			Total:         portion + interest,
			Balance:       balance,
			Status:        InstallmentPending,
		})
	}

	if math.Abs(principalPaid-principal) > 0.01 {
		return nil, fmt.Errorf("%w: schedule repays %.2f of principal %.2f",
			apperrors.ErrInternalServer, principalPaid, principal)
	}
	return schedule, nil
}

// dueDate keeps the disbursement day of month, clamped to the last day of
// shorter months so a month-end disbursement never skips a month.
func dueDate(from time.Time, months int) time.Time {
	y, m, d := from.Date()
	first := time.Date(y, m+time.Month(months), 1, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

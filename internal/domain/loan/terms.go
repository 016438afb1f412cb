package loan

import (
	"fmt"
	"math"
	"strings"
	"time"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/pkg/apperrors"
)

const (
	MaxAmount        Money = 100_000_000
	maxProcessingFee Money = 50_000
)

type productTerms struct {
	AnnualRate float64
	MinTerm    int
	MaxTerm    int
	FeePercent float64
}

var productTable = map[Type]productTerms{
	TypeEducation: {AnnualRate: 9.5, MinTerm: 12, MaxTerm: 180, FeePercent: 0.5},
	TypeHome:      {AnnualRate: 8.5, MinTerm: 12, MaxTerm: 360, FeePercent: 0.5},
	TypePersonal:  {AnnualRate: 13.5, MinTerm: 6, MaxTerm: 84, FeePercent: 2},
	TypeBusiness:  {AnnualRate: 12.0, MinTerm: 12, MaxTerm: 120, FeePercent: 1.5},
	TypeVehicle:   {AnnualRate: 9.0, MinTerm: 12, MaxTerm: 84, FeePercent: 1},
	TypeGold:      {AnnualRate: 7.5, MinTerm: 3, MaxTerm: 36, FeePercent: 0.5},
}

// InterestRate returns the annual percentage rate assigned to a loan type.
func InterestRate(t Type) float64 {
	return productTable[t].AnnualRate
}

// MonthlyInstallment computes the standard amortized EMI, rounded to a whole unit.
func MonthlyInstallment(principal Money, annualRate float64, months int) Money {
	if months <= 0 {
		return 0
	}
	r := annualRate / 100 / 12
	if r == 0 {
		return math.Round(principal / float64(months))
	}
	f := math.Pow(1+r, float64(months))
	return math.Round(principal * r * f / (f - 1))
}

func ProcessingFee(t Type, amount Money) Money {
	fee := math.Round(amount * productTable[t].FeePercent / 100)
	return math.Min(fee, maxProcessingFee)
}

// SecurityRequirements evaluates the collateral/guarantor policy for a new application.
func SecurityRequirements(t Type, amount Money) (collateral, guarantor bool) {
	switch t {
	case TypeEducation:
		switch {
		case amount <= 400_000:
			return false, false
		case amount <= 750_000:
			return false, true
		default:
			return true, true
		}
	case TypeHome:
		return true, false
	case TypePersonal:
		return amount > 1_500_000, false
	case TypeBusiness:
		return amount > 1_000_000, false
	default:
		return false, false
	}
}

// Draft is the applicant-supplied part of a new application.
type Draft struct {
	ApplicantID string
	Type        Type
	Bank        bank.Code
	Amount      Money
	TermMonths  int
	Purpose     string
	Details     Details
	Collateral  *Collateral
	Guarantor   *Guarantor
	Documents   DocumentChecklist
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.ApplicantID) == "" {
		return apperrors.NewValidationError("applicantId", "applicant is required")
	}
	terms, ok := productTable[d.Type]
	if !ok {
		return apperrors.NewValidationError("loanType", fmt.Sprintf("unknown loan type %q", d.Type))
	}
	if !d.Bank.Valid() {
		return apperrors.NewValidationError("bankName", fmt.Sprintf("unknown partner bank %q", d.Bank))
	}
	if math.IsNaN(d.Amount) || d.Amount <= 0 {
		return apperrors.NewValidationError("amount", "amount must be greater than zero")
	}
	if d.Amount > MaxAmount {
		return apperrors.NewValidationError("amount", fmt.Sprintf("amount must not exceed %.0f", MaxAmount))
	}
	if d.TermMonths < terms.MinTerm || d.TermMonths > terms.MaxTerm {
		return apperrors.NewValidationError("termMonths",
			fmt.Sprintf("%s loans run between %d and %d months", d.Type, terms.MinTerm, terms.MaxTerm))
	}
	if MonthlyInstallment(d.Amount, terms.AnnualRate, d.TermMonths) < 1 {
		return apperrors.NewValidationError("amount", "amount is too small to repay over the requested term")
	}
	if strings.TrimSpace(d.Purpose) == "" {
		return apperrors.NewValidationError("purpose", "purpose is required")
	}
	return d.Details.validateFor(d.Type)
}

func (dt Details) validateFor(t Type) error {
	switch t {
	case TypeEducation:
		if strings.TrimSpace(dt.InstitutionName) == "" {
			return apperrors.NewValidationError("details.institutionName", "institution is required for education loans")
		}
		if strings.TrimSpace(dt.CourseName) == "" {
			return apperrors.NewValidationError("details.courseName", "course is required for education loans")
		}
	case TypeHome:
		if strings.TrimSpace(dt.PropertyAddress) == "" {
			return apperrors.NewValidationError("details.propertyAddress", "property address is required for home loans")
		}
	case TypeVehicle:
		if strings.TrimSpace(dt.VehicleModel) == "" {
			return apperrors.NewValidationError("details.vehicleModel", "vehicle model is required for vehicle loans")
		}
	case TypeBusiness:
		if strings.TrimSpace(dt.BusinessName) == "" {
			return apperrors.NewValidationError("details.businessName", "business name is required for business loans")
		}
	case TypeGold:
		if dt.GoldWeightGrams <= 0 {
			return apperrors.NewValidationError("details.goldWeightGrams", "gold weight must be greater than zero")
		}
	}
	return nil
}

// NewApplication validates a draft and derives every computed term. The
// returned application has no id or application number yet.
func NewApplication(d Draft, now time.Time) (*Application, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	rate := InterestRate(d.Type)
	collateral, guarantor := SecurityRequirements(d.Type, d.Amount)

	return &Application{
		ApplicantID:        d.ApplicantID,
		Type:               d.Type,
		Bank:               d.Bank,
		Amount:             d.Amount,
		TermMonths:         d.TermMonths,
		Purpose:            strings.TrimSpace(d.Purpose),
		Details:            d.Details,
		InterestRate:       rate,
		EMIAmount:          MonthlyInstallment(d.Amount, rate, d.TermMonths),
		ProcessingFee:      ProcessingFee(d.Type, d.Amount),
		CollateralRequired: collateral,
		GuarantorRequired:  guarantor,
		Collateral:         d.Collateral,
		Guarantor:          d.Guarantor,
		Documents:          d.Documents,
		Stage:              StageSubmitted,
		Status:             StatusPending,
		ApprovalChain:      []ChainEntry{},
		Schedule:           []Installment{},
		SubmittedAt:        now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// FormatApplicationNumber renders LMS<year><zero-padded sequence>.
func FormatApplicationNumber(year int, seq int64) string {
	return fmt.Sprintf("LMS%d%06d", year, seq)
}

package loan

import (
	"fmt"
	"strings"
	"time"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/pkg/apperrors"
)

type Money = float64

type Type string

const (
	TypeEducation Type = "Education"
	TypeHome      Type = "Home"
	TypePersonal  Type = "Personal"
	TypeBusiness  Type = "Business"
	TypeVehicle   Type = "Vehicle"
	TypeGold      Type = "Gold"
)

func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for _, t := range []Type{TypeEducation, TypeHome, TypePersonal, TypeBusiness, TypeVehicle, TypeGold} {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", apperrors.NewValidationError("loanType", fmt.Sprintf("unknown loan type %q", s))
}

type Stage string

const (
	StageDraft        Stage = "draft"
	StageSubmitted    Stage = "submitted"
	StageUnderReview  Stage = "under_review"
	StageBranchReview Stage = "branch_review"
	StageGMReview     Stage = "gm_review"
	StageSanctioned   Stage = "sanctioned"
	StageDisbursed    Stage = "disbursed"
	StageRejected     Stage = "rejected"
	StageReturned     Stage = "returned"
	StageClosed       Stage = "closed"
)

var allStages = []Stage{
	StageDraft, StageSubmitted, StageUnderReview, StageBranchReview, StageGMReview,
	StageSanctioned, StageDisbursed, StageRejected, StageReturned, StageClosed,
}

func ParseStage(s string) (Stage, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range allStages {
		if s == string(st) {
			return st, nil
		}
	}
	return "", apperrors.NewValidationError("stage", fmt.Sprintf("unknown workflow stage %q", s))
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusDisbursed Status = "disbursed"
	StatusClosed    Status = "closed"
)

type ChainAction string

const (
	ChainApproved    ChainAction = "approved"
	ChainRejected    ChainAction = "rejected"
	ChainReturned    ChainAction = "returned"
	ChainDisbursed   ChainAction = "disbursed"
	ChainNote        ChainAction = "note"
	ChainResubmitted ChainAction = "resubmitted"
)

// ChainEntry is one immutable record in the approval chain.
type ChainEntry struct {
	ID        string
	Seq       int
	Stage     Stage
	ToStage   Stage
	ActorID   string
	ActorRole identity.Role
	ActorName string
	Action    ChainAction
	Remarks   string
	Timestamp time.Time
}

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
)

type Installment struct {
	InstallmentNo int
	DueDate       time.Time
	Principal     Money
	Interest      Money
	Total         Money
	Balance       Money
	Status        InstallmentStatus
}

type Collateral struct {
	Type           string  `json:"type"`
	Description    string  `json:"description"`
	EstimatedValue float64 `json:"estimatedValue"`
}

type Guarantor struct {
	Name         string  `json:"name"`
	Relationship string  `json:"relationship"`
	Phone        string  `json:"phone"`
	AnnualIncome float64 `json:"annualIncome"`
}

// DocumentChecklist is informational; the workflow never gates on it.
type DocumentChecklist struct {
	IdentityProof     bool `json:"identityProof"`
	AddressProof      bool `json:"addressProof"`
	IncomeProof       bool `json:"incomeProof"`
	BankStatements    bool `json:"bankStatements"`
	PropertyDocuments bool `json:"propertyDocuments"`
	AdmissionLetter   bool `json:"admissionLetter"`
	Photograph        bool `json:"photograph"`
}

// Details holds the type-specific fields an application must carry.
type Details struct {
	InstitutionName string  `json:"institutionName,omitempty"`
	CourseName      string  `json:"courseName,omitempty"`
	PropertyAddress string  `json:"propertyAddress,omitempty"`
	VehicleModel    string  `json:"vehicleModel,omitempty"`
	BusinessName    string  `json:"businessName,omitempty"`
	GoldWeightGrams float64 `json:"goldWeightGrams,omitempty"`
}

type DisbursementAccount struct {
	AccountHolder string `json:"accountHolder"`
	AccountNumber string `json:"accountNumber"`
	IFSC          string `json:"ifsc"`
}

type Application struct {
	ID                string
	ApplicationNumber string
	ApplicantID       string

	Type       Type
	Bank       bank.Code
	Amount     Money
	TermMonths int
	Purpose    string
	Details    Details

	InterestRate  float64
	EMIAmount     Money
	ProcessingFee Money

	CollateralRequired bool
	GuarantorRequired  bool
	Collateral         *Collateral
	Guarantor          *Guarantor
	Documents          DocumentChecklist

	Stage           Stage
	Status          Status
	RejectionReason string
	ApprovalChain   []ChainEntry
	Schedule        []Installment

	DisbursementAccount *DisbursementAccount

	SubmittedAt  time.Time
	SanctionedAt *time.Time
	DisbursedAt  *time.Time
	ClosedAt     *time.Time

	// Version is incremented by every persisted mutation.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	c := *a
	if a.Collateral != nil {
		v := *a.Collateral
		c.Collateral = &v
	}
	if a.Guarantor != nil {
		v := *a.Guarantor
		c.Guarantor = &v
	}
	if a.DisbursementAccount != nil {
		v := *a.DisbursementAccount
		c.DisbursementAccount = &v
	}
	c.SanctionedAt = cloneTime(a.SanctionedAt)
	c.DisbursedAt = cloneTime(a.DisbursedAt)
	c.ClosedAt = cloneTime(a.ClosedAt)
	if a.ApprovalChain != nil {
		c.ApprovalChain = make([]ChainEntry, len(a.ApprovalChain))
		copy(c.ApprovalChain, a.ApprovalChain)
	}
	if a.Schedule != nil {
		c.Schedule = make([]Installment, len(a.Schedule))
		copy(c.Schedule, a.Schedule)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

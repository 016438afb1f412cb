package dto

import (
	"fmt"
	"strings"
	"time"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/domain/loan"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type SubmitLoanRequest struct {
	LoanType   string                  `json:"loanType"`
	BankName   string                  `json:"bankName"`
	Amount     decimal.Decimal         `json:"amount" swaggertype:"string" example:"500000.00"`
	TermMonths int                     `json:"termMonths"`
	Purpose    string                  `json:"purpose"`
	Details    loan.Details            `json:"details"`
	Collateral *loan.Collateral        `json:"collateral,omitempty"`
	Guarantor  *loan.Guarantor         `json:"guarantor,omitempty"`
	Documents  *loan.DocumentChecklist `json:"documents,omitempty"`
}

// ToDraft parses the enumerated fields; the domain validates the rest.
func (r *SubmitLoanRequest) ToDraft() (loan.Draft, error) {
	t, err := loan.ParseType(r.LoanType)
	if err != nil {
		return loan.Draft{}, err
	}
	b, err := bank.Parse(r.BankName)
	if err != nil {
		return loan.Draft{}, err
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		return loan.Draft{}, apperrors.NewValidationError("amount", "amount has more than two decimal places")
	}
	d := loan.Draft{
		Type:       t,
		Bank:       b,
		Amount:     r.Amount.InexactFloat64(),
		TermMonths: r.TermMonths,
		Purpose:    r.Purpose,
		Details:    r.Details,
		Collateral: r.Collateral,
		Guarantor:  r.Guarantor,
	}
	if r.Documents != nil {
		d.Documents = *r.Documents
	}
	return d, nil
}

type ResubmitRequest struct {
	Purpose    *string                 `json:"purpose,omitempty"`
	Details    *loan.Details           `json:"details,omitempty"`
	Collateral *loan.Collateral        `json:"collateral,omitempty"`
	Guarantor  *loan.Guarantor         `json:"guarantor,omitempty"`
	Documents  *loan.DocumentChecklist `json:"documents,omitempty"`
	Remarks    string                  `json:"remarks"`
}

func (r *ResubmitRequest) Fields() loan.ResubmitFields {
	return loan.ResubmitFields{
		Purpose:    r.Purpose,
		Details:    r.Details,
		Collateral: r.Collateral,
		Guarantor:  r.Guarantor,
		Documents:  r.Documents,
	}
}

type ReviewRequest struct {
	Action  string `json:"action" example:"approve" enums:"approve,reject,return"`
	Remarks string `json:"remarks"`
}

func (r *ReviewRequest) Decision() (loan.Decision, error) {
	return loan.ParseDecision(r.Action)
}

type DisburseRequest struct {
	Account *loan.DisbursementAccount `json:"account,omitempty"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type TokenRequest struct {
	UserID string `json:"userId"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ChainEntryResponse struct {
	Seq       int       `json:"seq"`
	Stage     string    `json:"stage"`
	ToStage   string    `json:"toStage"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
	ActorName string    `json:"actorName"`
	Action    string    `json:"action"`
	Remarks   string    `json:"remarks,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type InstallmentResponse struct {
	InstallmentNo int    `json:"installmentNo"`
	DueDate       string `json:"dueDate"`
	Principal     string `json:"principal"`
	Interest      string `json:"interest"`
	Total         string `json:"total"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
}

type LoanResponse struct {
	ID                  string                    `json:"id"`
	ApplicationNumber   string                    `json:"applicationNumber"`
	ApplicantID         string                    `json:"applicantId"`
	LoanType            string                    `json:"loanType"`
	BankName            string                    `json:"bankName"`
	BankDisplayName     string                    `json:"bankDisplayName"`
	Amount              string                    `json:"amount"`
	TermMonths          int                       `json:"termMonths"`
	Purpose             string                    `json:"purpose"`
	Details             loan.Details              `json:"details"`
	InterestRate        string                    `json:"interestRate"`
	EMIAmount           string                    `json:"emiAmount"`
	ProcessingFee       string                    `json:"processingFee"`
	CollateralRequired  bool                      `json:"collateralRequired"`
	GuarantorRequired   bool                      `json:"guarantorRequired"`
	Collateral          *loan.Collateral          `json:"collateral,omitempty"`
	Guarantor           *loan.Guarantor           `json:"guarantor,omitempty"`
	Documents           loan.DocumentChecklist    `json:"documents"`
	Stage               string                    `json:"stage"`
	Status              string                    `json:"status"`
	RejectionReason     string                    `json:"rejectionReason,omitempty"`
	ApprovalChain       []ChainEntryResponse      `json:"approvalChain,omitempty"`
	Schedule            []InstallmentResponse     `json:"schedule,omitempty"`
	DisbursementAccount *loan.DisbursementAccount `json:"disbursementAccount,omitempty"`
	SubmittedAt         time.Time                 `json:"submittedAt"`
	SanctionedAt        *time.Time                `json:"sanctionedAt,omitempty"`
	DisbursedAt         *time.Time                `json:"disbursedAt,omitempty"`
	ClosedAt            *time.Time                `json:"closedAt,omitempty"`
	Version             int64                     `json:"version"`
	CreatedAt           time.Time                 `json:"createdAt"`
	UpdatedAt           time.Time                 `json:"updatedAt"`
}

type StatsResponse struct {
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Sanctioned      int    `json:"sanctioned"`
	Rejected        int    `json:"rejected"`
	Disbursed       int    `json:"disbursed"`
	AwaitingAction  int    `json:"awaitingAction"`
	PortfolioAmount string `json:"portfolioAmount"`
}

func formatMoney(m loan.Money) string {
	return decimal.NewFromFloat(m).StringFixed(2)
}

func NewLoanResponse(app *loan.Application, includeSchedule bool) LoanResponse {
	resp := LoanResponse{
		ID:                  app.ID,
		ApplicationNumber:   app.ApplicationNumber,
		ApplicantID:         app.ApplicantID,
		LoanType:            string(app.Type),
		BankName:            string(app.Bank),
		BankDisplayName:     app.Bank.Name(),
		Amount:              formatMoney(app.Amount),
		TermMonths:          app.TermMonths,
		Purpose:             app.Purpose,
		Details:             app.Details,
		InterestRate:        decimal.NewFromFloat(app.InterestRate).String(),
		EMIAmount:           formatMoney(app.EMIAmount),
		ProcessingFee:       formatMoney(app.ProcessingFee),
		CollateralRequired:  app.CollateralRequired,
		GuarantorRequired:   app.GuarantorRequired,
		Collateral:          app.Collateral,
		Guarantor:           app.Guarantor,
		Documents:           app.Documents,
		Stage:               string(app.Stage),
		Status:              string(app.Status),
		RejectionReason:     app.RejectionReason,
		DisbursementAccount: app.DisbursementAccount,
		SubmittedAt:         app.SubmittedAt,
		SanctionedAt:        app.SanctionedAt,
		DisbursedAt:         app.DisbursedAt,
		ClosedAt:            app.ClosedAt,
		Version:             app.Version,
		CreatedAt:           app.CreatedAt,
		UpdatedAt:           app.UpdatedAt,
	}

	if len(app.ApprovalChain) > 0 {
		resp.ApprovalChain = make([]ChainEntryResponse, len(app.ApprovalChain))
		for i, e := range app.ApprovalChain {
			resp.ApprovalChain[i] = ChainEntryResponse{
				Seq:       e.Seq,
				Stage:     string(e.Stage),
				ToStage:   string(e.ToStage),
				ActorID:   e.ActorID,
				ActorRole: string(e.ActorRole),
				ActorName: e.ActorName,
				Action:    string(e.Action),
				Remarks:   e.Remarks,
				Timestamp: e.Timestamp,
			}
		}
	}

	if includeSchedule && len(app.Schedule) > 0 {
		resp.Schedule = make([]InstallmentResponse, len(app.Schedule))
		for i, inst := range app.Schedule {
			resp.Schedule[i] = NewInstallmentResponse(inst)
		}
	}
	return resp
}

func NewInstallmentResponse(inst loan.Installment) InstallmentResponse {
	return InstallmentResponse{
		InstallmentNo: inst.InstallmentNo,
		DueDate:       inst.DueDate.Format(dateLayout),
		Principal:     formatMoney(inst.Principal),
		Interest:      formatMoney(inst.Interest),
		Total:         formatMoney(inst.Total),
		Balance:       formatMoney(inst.Balance),
		Status:        string(inst.Status),
	}
}

func NewLoanListResponse(apps []*loan.Application) []LoanResponse {
	out := make([]LoanResponse, len(apps))
	for i, app := range apps {
		out[i] = NewLoanResponse(app, false)
	}
	return out
}

func NewStatsResponse(s loan.Stats) StatsResponse {
	return StatsResponse{
		Total:           s.Total,
		Pending:         s.Pending,
		Sanctioned:      s.Sanctioned,
		Rejected:        s.Rejected,
		Disbursed:       s.Disbursed,
		AwaitingAction:  s.AwaitingAction,
		PortfolioAmount: formatMoney(s.PortfolioAmount),
	}
}

// ParseStages reads a comma-separated stage filter; empty means none.
func ParseStages(raw string) ([]loan.Stage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var stages []loan.Stage
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := loan.ParseStage(part)
		if err != nil {
			return nil, fmt.Errorf("stage filter: %w", err)
		}
		stages = append(stages, s)
	}
	return stages, nil
}

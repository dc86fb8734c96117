package account

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/GoCodeAlone/stepflow"
	"github.com/GoCodeAlone/stepflow/validation"
)

// Pipeline names. Step identifiers are "<pipeline>.<step>".
const (
	OpenPipeline    = "accounts"
	DepositPipeline = "deposits"
)

// DefaultMaxBalance caps any account balance.
const DefaultMaxBalance int64 = 100_000_000

//go:embed schema/open_account.schema.json
var openAccountSchema []byte

type OpenRequest struct {
	Owner          string `json:"owner"`
	Currency       string `json:"currency"`
	InitialDeposit int64  `json:"initialDeposit,omitempty"`
}

type OpenContext struct {
	stepflow.BaseContext[OpenRequest]
	AccountID string `json:"accountId,omitempty"`
}

type OpenResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

type DepositRequest struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
}

type DepositContext struct {
	stepflow.BaseContext[DepositRequest]
	Balance   int64 `json:"balance"`
	Deposited bool  `json:"deposited"`

	// not persisted; rebuilt by the Search recovery hook
	account *Account
}

type DepositResponse struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
}

// Service builds a fresh pipeline per request against one ledger.
type Service struct {
	ledger     *Ledger
	maxBalance int64
	opts       []stepflow.Option

	openValidator    stepflow.Validator[OpenRequest]
	depositValidator stepflow.Validator[DepositRequest]
}

// NewService compiles the request validators. opts apply to every pipeline.
func NewService(ledger *Ledger, opts ...stepflow.Option) (*Service, error) {
	openV, err := validation.NewSchemaValidator[OpenRequest](openAccountSchema, validation.WithSource(OpenPipeline))
	if err != nil {
		return nil, fmt.Errorf("open account schema: %w", err)
	}
	depositV, err := validation.NewJQValidator[DepositRequest](DepositPipeline,
		validation.Rule{Property: "accountId", Expr: `.accountId != ""`, Message: "account id is required"},
		validation.Rule{Property: "amount", Expr: `.amount > 0`, Message: "amount must be positive"},
	)
	if err != nil {
		return nil, fmt.Errorf("deposit rules: %w", err)
	}
	return &Service{
		ledger:           ledger,
		maxBalance:       DefaultMaxBalance,
		opts:             opts,
		openValidator:    openV,
		depositValidator: depositV,
	}, nil
}

// WithMaxBalance overrides DefaultMaxBalance.
func (s *Service) WithMaxBalance(n int64) *Service {
	s.maxBalance = n
	return s
}

// Ledger returns the service's ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Open runs the account-opening pipeline.
func (s *Service) Open(ctx context.Context, req OpenRequest, idempotencyKey string) (*stepflow.Result, error) {
	return s.OpenPipeline().Execute(ctx, req, idempotencyKey)
}

// Deposit runs the deposit pipeline.
func (s *Service) Deposit(ctx context.Context, req DepositRequest, idempotencyKey string) (*stepflow.Result, error) {
	return s.DepositPipeline().Execute(ctx, req, idempotencyKey)
}

// OpenPipeline assembles Initialize, Create (undone by DeleteAccount), an
// optional Fund step and Finish.
func (s *Service) OpenPipeline() *stepflow.Pipeline[OpenRequest, *OpenContext] {
	p := stepflow.New[OpenRequest](OpenPipeline, func() *OpenContext { return &OpenContext{} }, s.opts...).
		WithValidator(s.openValidator)

	p.AddNext("Initialize", stepflow.StepFunc[*OpenContext](func(_ context.Context, c *OpenContext) (stepflow.Outcome, error) {
		if s.ledger.Blocked(c.Request.Owner) {
			return stepflow.AbortMessage("owner is blocked", http.StatusForbidden), nil
		}
		return stepflow.Proceed(), nil
	})).
		AddNext("Create", stepflow.StepFunc[*OpenContext](func(_ context.Context, c *OpenContext) (stepflow.Outcome, error) {
			a, err := s.ledger.Create(c.Request.Owner, c.Request.Currency)
			if errors.Is(err, ErrBlockedOwner) {
				return stepflow.AbortMessage("owner is blocked", http.StatusForbidden), nil
			}
			if err != nil {
				return stepflow.Outcome{}, err
			}
			c.AccountID = a.ID
			return stepflow.Proceed(), nil
		})).
		AddRollback("DeleteAccount", stepflow.CompensatorFunc[*OpenContext](func(_ context.Context, c *OpenContext) error {
			s.ledger.Delete(c.AccountID)
			return nil
		})).
		AddNext("Fund", stepflow.StepFunc[*OpenContext](func(_ context.Context, c *OpenContext) (stepflow.Outcome, error) {
			if c.Request.InitialDeposit > s.maxBalance {
				return stepflow.RollbackFailure(http.StatusUnprocessableEntity,
					stepflow.PropertyError("initialDeposit", "initial deposit exceeds the balance limit")), nil
			}
			if _, err := s.ledger.Deposit(c.AccountID, c.Request.InitialDeposit); err != nil {
				return stepflow.Outcome{}, err
			}
			return stepflow.Proceed(), nil
		})).
		WhenExpr("req.InitialDeposit > 0").
		AddNext("Finish", stepflow.StepFunc[*OpenContext](func(_ context.Context, c *OpenContext) (stepflow.Outcome, error) {
			return stepflow.Finish(OpenResponse{Message: "Success", ID: c.AccountID}, http.StatusCreated), nil
		}))
	return p
}

// DepositPipeline assembles Search, Deposit (undone by ReverseDeposit),
// CheckLimit and Finish, with an Audit finally step.
func (s *Service) DepositPipeline() *stepflow.Pipeline[DepositRequest, *DepositContext] {
	p := stepflow.New[DepositRequest](DepositPipeline, func() *DepositContext { return &DepositContext{} }, s.opts...).
		WithValidator(s.depositValidator)

	p.AddNext("Search", stepflow.StepFunc[*DepositContext](func(_ context.Context, c *DepositContext) (stepflow.Outcome, error) {
		if c.account == nil {
			return stepflow.AbortMessage("account not found", http.StatusNotFound), nil
		}
		return stepflow.Proceed(), nil
	})).
		WithRecovery(func(_ context.Context, c *DepositContext) error {
			a, err := s.ledger.Get(c.Request.AccountID)
			if errors.Is(err, ErrAccountNotFound) {
				c.account = nil
				return nil
			}
			if err != nil {
				return err
			}
			c.account = &a
			return nil
		}).
		AddNext("Deposit", stepflow.StepFunc[*DepositContext](func(_ context.Context, c *DepositContext) (stepflow.Outcome, error) {
			balance, err := s.ledger.Deposit(c.account.ID, c.Request.Amount)
			if err != nil {
				return stepflow.Outcome{}, err
			}
			c.Balance, c.Deposited = balance, true
			return stepflow.Proceed(), nil
		})).
		AddRollback("ReverseDeposit", stepflow.CompensatorFunc[*DepositContext](func(_ context.Context, c *DepositContext) error {
			balance, err := s.ledger.Withdraw(c.Request.AccountID, c.Request.Amount)
			if err != nil {
				return fmt.Errorf("reverse deposit on %s: %w", c.Request.AccountID, err)
			}
			c.Balance, c.Deposited = balance, false
			return nil
		})).
		When(func(c *DepositContext) bool { return c.Deposited }).
		AddNext("CheckLimit", stepflow.StepFunc[*DepositContext](func(_ context.Context, c *DepositContext) (stepflow.Outcome, error) {
			if c.Balance > s.maxBalance {
				return stepflow.RollbackFailure(http.StatusUnprocessableEntity,
					stepflow.PropertyError("amount", "balance limit exceeded")), nil
			}
			return stepflow.Proceed(), nil
		})).
		AddNext("Finish", stepflow.StepFunc[*DepositContext](func(_ context.Context, c *DepositContext) (stepflow.Outcome, error) {
			return stepflow.Finish(DepositResponse{AccountID: c.Request.AccountID, Balance: c.Balance}, http.StatusOK), nil
		})).
		AddFinally("Audit", stepflow.StepFunc[*DepositContext](func(_ context.Context, c *DepositContext) (stepflow.Outcome, error) {
			status := 0
			if c.Result != nil {
				status = c.Result.StatusCode
			}
			s.ledger.Audit(fmt.Sprintf("deposit account=%s amount=%d status=%d", c.Request.AccountID, c.Request.Amount, status))
			return stepflow.Proceed(), nil
		}))
	return p
}

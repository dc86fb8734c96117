package account

import (
	"context"
	"net/http"
	"testing"

	"github.com/GoCodeAlone/stepflow"
	"github.com/GoCodeAlone/stepflow/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, opts ...stepflow.Option) *Service {
	t.Helper()
	svc, err := NewService(NewLedger(), opts...)
	require.NoError(t, err)
	return svc
}

func TestOpenAccount(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Open(context.Background(), OpenRequest{Owner: "Ana", Currency: "EUR", InitialDeposit: 500}, "")
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "accounts.Finish", res.StepIdentifier)

	payload, ok := res.Payload.(OpenResponse)
	require.True(t, ok, "payload type %T", res.Payload)
	assert.Equal(t, "Success", payload.Message)

	acct, err := svc.Ledger().Get(payload.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
}

func TestOpenAccountWithoutDepositSkipsFund(t *testing.T) {
	svc := newTestService(t)
	p := svc.OpenPipeline()
	res, err := p.Execute(context.Background(), OpenRequest{Owner: "Ana", Currency: "EUR"}, "")
	require.NoError(t, err)
	require.True(t, res.Success)

	acct, err := svc.Ledger().Get(p.Context().AccountID)
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
}

func TestOpenAccountBlockedOwner(t *testing.T) {
	svc := newTestService(t)
	svc.Ledger().Block("Mallory")

	res, err := svc.Open(context.Background(), OpenRequest{Owner: "Mallory", Currency: "EUR"}, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "accounts.Initialize", res.StepIdentifier)
	assert.Equal(t, "owner is blocked", res.ErrorMessage())
}

func TestOpenAccountRollsBackOnLimit(t *testing.T) {
	svc := newTestService(t)
	svc.WithMaxBalance(1000)

	p := svc.OpenPipeline()
	res, err := p.Execute(context.Background(), OpenRequest{Owner: "Ana", Currency: "EUR", InitialDeposit: 5000}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "accounts.Fund", res.StepIdentifier)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "initialDeposit", res.Errors[0].Property)

	_, err = svc.Ledger().Get(p.Context().AccountID)
	assert.ErrorIs(t, err, ErrAccountNotFound, "DeleteAccount should have removed the account")
}

func TestOpenAccountValidation(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Open(context.Background(), OpenRequest{Owner: "", Currency: "euro"}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "accounts.validation", res.StepIdentifier)
	assert.Len(t, res.Errors, 2)
}

func openAccount(t *testing.T, svc *Service, initial int64) string {
	t.Helper()
	res, err := svc.Open(context.Background(), OpenRequest{Owner: "Ana", Currency: "EUR", InitialDeposit: initial}, "")
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res)
	return res.Payload.(OpenResponse).ID
}

func TestDeposit(t *testing.T) {
	svc := newTestService(t)
	id := openAccount(t, svc, 100)

	res, err := svc.Deposit(context.Background(), DepositRequest{AccountID: id, Amount: 250}, "")
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res)
	assert.Equal(t, DepositResponse{AccountID: id, Balance: 350}, res.Payload)
	assert.Equal(t, []string{"deposit account=" + id + " amount=250 status=200"}, svc.Ledger().AuditTrail())
}

func TestDepositUnknownAccount(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Deposit(context.Background(), DepositRequest{AccountID: "missing", Amount: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "deposits.Search", res.StepIdentifier)
	assert.Len(t, svc.Ledger().AuditTrail(), 1, "Audit runs even when the pipeline aborts")
}

func TestDepositValidation(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Deposit(context.Background(), DepositRequest{Amount: -5}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "accountId", res.Errors[0].Property)
	assert.Equal(t, "amount must be positive", res.Errors[1].Message)
	assert.Empty(t, svc.Ledger().AuditTrail(), "no step runs for an invalid request")
}

func TestDepositRollsBackOverLimit(t *testing.T) {
	svc := newTestService(t)
	svc.WithMaxBalance(1000)
	id := openAccount(t, svc, 900)

	p := svc.DepositPipeline()
	res, err := p.Execute(context.Background(), DepositRequest{AccountID: id, Amount: 200}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "deposits.CheckLimit", res.StepIdentifier)
	assert.False(t, p.Context().Deposited)

	acct, err := svc.Ledger().Get(id)
	require.NoError(t, err)
	assert.Equal(t, int64(900), acct.Balance, "ReverseDeposit should restore the balance")
}

func TestDepositResumeRebuildsAccount(t *testing.T) {
	store := cache.New(cache.DefaultConfig())
	svc := newTestService(t, stepflow.WithSnapshotStore(store))
	svc.WithMaxBalance(1000)
	id := openAccount(t, svc, 900)

	req := DepositRequest{AccountID: id, Amount: 200}
	res, err := svc.Deposit(context.Background(), req, "dep-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	// the limit is raised; the retry resumes at CheckLimit, so Search is
	// skipped but its recovery hook reloads the account
	svc.WithMaxBalance(10_000)
	p := svc.DepositPipeline()
	res, err = p.Execute(context.Background(), req, "dep-1")
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res)
	require.NotNil(t, p.Context().account)
	assert.Equal(t, id, p.Context().account.ID)

	// a repeat is served from the snapshot
	res, err = svc.Deposit(context.Background(), req, "dep-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, svc.Ledger().AuditTrail(), 2, "a memoized run does not run Audit")
}

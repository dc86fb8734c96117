// Package account is a small banking domain built on stepflow: opening an
// account and depositing into it, with compensation when a later step fails.
package account

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrBlockedOwner    = errors.New("owner is blocked")
	ErrInsufficient    = errors.New("insufficient funds")
)

// Account is a ledger entry. Amounts are in minor units.
type Account struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Currency string `json:"currency"`
	Balance  int64  `json:"balance"`
}

// Ledger is an in-memory account book safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Account
	blocked  map[string]bool
	audit    []string
	newID    func() string
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
		blocked:  make(map[string]bool),
		newID:    uuid.NewString,
	}
}

// Block prevents owner from opening accounts.
func (l *Ledger) Block(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[owner] = true
}

func (l *Ledger) Blocked(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked[owner]
}

// Create opens an account with a zero balance.
func (l *Ledger) Create(owner, currency string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocked[owner] {
		return Account{}, fmt.Errorf("%w: %s", ErrBlockedOwner, owner)
	}
	a := &Account{ID: l.newID(), Owner: owner, Currency: currency}
	l.accounts[a.ID] = a
	return *a, nil
}

// Get returns a copy of the account.
func (l *Ledger) Get(id string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return *a, nil
}

// Delete removes an account. Deleting an unknown account is not an error.
func (l *Ledger) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, id)
}

// Deposit adds amount and returns the new balance.
func (l *Ledger) Deposit(id string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	a.Balance += amount
	return a.Balance, nil
}

// Withdraw removes amount and returns the new balance.
func (l *Ledger) Withdraw(id string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if a.Balance < amount {
		return a.Balance, ErrInsufficient
	}
	a.Balance -= amount
	return a.Balance, nil
}

// Audit appends an entry to the audit trail.
func (l *Ledger) Audit(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audit = append(l.audit, entry)
}

// AuditTrail returns a copy of the audit trail.
func (l *Ledger) AuditTrail() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.audit...)
}

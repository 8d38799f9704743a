package record

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExpenseCategory classifies an expense.
type ExpenseCategory string

const (
	ExpenseOfficeSupplies ExpenseCategory = "office_supplies"
	ExpenseUtilities      ExpenseCategory = "utilities"
	ExpenseRent           ExpenseCategory = "rent"
	ExpenseMaintenance    ExpenseCategory = "maintenance"
	ExpenseTransportation ExpenseCategory = "transportation"
	ExpenseMeals          ExpenseCategory = "meals"
	ExpenseEvents         ExpenseCategory = "events"
	ExpenseMarketing      ExpenseCategory = "marketing"
	ExpenseEquipment      ExpenseCategory = "equipment"
	ExpenseServices       ExpenseCategory = "services"
	ExpenseOther          ExpenseCategory = "other"
)

// ExpenseCategories lists the closed set of expense categories.
var ExpenseCategories = []ExpenseCategory{
	ExpenseOfficeSupplies, ExpenseUtilities, ExpenseRent, ExpenseMaintenance,
	ExpenseTransportation, ExpenseMeals, ExpenseEvents, ExpenseMarketing,
	ExpenseEquipment, ExpenseServices, ExpenseOther,
}

// Valid reports whether c belongs to the closed category set.
func (c ExpenseCategory) Valid() bool {
	for _, known := range ExpenseCategories {
		if c == known {
			return true
		}
	}
	return false
}

// PersonalPayee is the payee used for personal expenses.
const PersonalPayee = "personal"

// Expense is money paid out, either on behalf of the organization or
// personally by the operator.
type Expense struct {
	ID          string          `json:"id" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required"`
	Payee       string          `json:"payee" validate:"required"`
	Category    ExpenseCategory `json:"category" validate:"oneof=office_supplies utilities rent maintenance transportation meals events marketing equipment services other"`
	Description string          `json:"description,omitempty"`
	Date        time.Time       `json:"date" validate:"required"`
	IsPersonal  bool            `json:"isPersonal"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	SyncStatus  SyncStatus      `json:"syncStatus" validate:"oneof=pending synced failed"`
}

// Validate checks the invariants the store relies on.
func (e *Expense) Validate() error {
	if err := validate.Struct(e); err != nil {
		return validationError(err)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive (got %s)", e.Amount)
	}
	return nil
}

// Touch sets timestamps for a write happening at now.
func (e *Expense) Touch(now time.Time) {
	stamp(&e.CreatedAt, &e.UpdatedAt, now)
}

// RecordID implements the sync package's identity accessor.
func (e *Expense) RecordID() string { return e.ID }

// NewExpense returns a pending expense with a fresh id. Personal expenses get
// the "personal" payee when payee is empty.
func NewExpense(amount decimal.Decimal, currency, payee string, category ExpenseCategory, personal bool, date time.Time) *Expense {
	if personal && payee == "" {
		payee = PersonalPayee
	}
	return &Expense{
		ID:         NewID(),
		Amount:     amount,
		Currency:   currency,
		Payee:      payee,
		Category:   category,
		IsPersonal: personal,
		Date:       date.UTC(),
		SyncStatus: StatusPending,
	}
}

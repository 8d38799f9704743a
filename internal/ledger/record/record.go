package record

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Kind names a record kind. It doubles as the table name and the JSON key used
// on the wire.
type Kind string

const (
	KindDonation Kind = "donations"
	KindExpense  Kind = "expenses"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindDonation, KindExpense}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDonation || k == KindExpense
}

// Singular returns the human-readable singular form ("donation", "expense").
func (k Kind) Singular() string {
	switch k {
	case KindDonation:
		return "donation"
	case KindExpense:
		return "expense"
	default:
		return string(k)
	}
}

// ParseKind accepts singular or plural spellings.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "donation", "donations":
		return KindDonation, nil
	case "expense", "expenses":
		return KindExpense, nil
	}
	return "", fmt.Errorf("unknown record kind %q (want donation or expense)", s)
}

// SyncStatus is the upload state of a record.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	return s == StatusPending || s == StatusSynced || s == StatusFailed
}

// CanTransition reports whether a record may move from s to next through a
// status update. Re-applying the current status is allowed and only refreshes
// updatedAt.
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusSynced || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// SourcesFor returns every status from which next is reachable, including
// next itself.
func SourcesFor(next SyncStatus) []SyncStatus {
	var from []SyncStatus
	for _, s := range []SyncStatus{StatusPending, StatusSynced, StatusFailed} {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

// Location is an optional latitude/longitude pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks coordinate ranges.
func (l *Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90 (got %v)", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180 (got %v)", l.Longitude)
	}
	return nil
}

// NewID returns a fresh globally unique record id.
func NewID() string {
	return uuid.NewString()
}

// phonePattern is "+" followed by 11 to 15 digits.
var phonePattern = regexp.MustCompile(`^\+[0-9]{11,15}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ledgerphone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidPhone reports whether phone is "+" followed by 11 to 15 digits.
func ValidPhone(phone string) bool {
	return validate.Var(phone, "ledgerphone") == nil
}

// validationError flattens validator output into a single readable error.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "oneof":
		return fmt.Errorf("%s must be one of [%s] (got %q)", fe.Field(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s failed %q validation", fe.Field(), fe.Tag())
}

// stamp fills timestamps the way the store expects: createdAt is kept when
// already set, updatedAt always moves to now.
func stamp(createdAt, updatedAt *time.Time, now time.Time) {
	now = now.UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	*updatedAt = now
}

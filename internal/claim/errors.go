package claim

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cabalcoin-lab/internal/domain"
)

// Reason classifies why a ledger operation was rejected.
type Reason string

const (
	ReasonUnknown            Reason = "UNKNOWN"
	ReasonAuthorization      Reason = "AUTHORIZATION"
	ReasonNotAllowlisted     Reason = "NOT_ALLOWLISTED"
	ReasonAlreadyClaimed     Reason = "ALREADY_CLAIMED"
	ReasonWindowNotOpen      Reason = "WINDOW_NOT_OPEN"
	ReasonLedgerUnavailable  Reason = "LEDGER_UNAVAILABLE"
	ReasonNotInitialized     Reason = "NOT_INITIALIZED"
	ReasonAlreadyInitialized Reason = "ALREADY_INITIALIZED"
	ReasonInvalidWindow      Reason = "INVALID_WINDOW"
	ReasonInvalidArgument    Reason = "INVALID_ARGUMENT"
)

// String returns the string representation of Reason.
func (r Reason) String() string {
	return string(r)
}

// Sentinel errors, one per Reason. A *Failure unwraps to the sentinel of its Reason.
var (
	ErrAuthorization      = errors.New("caller is not the ledger admin")
	ErrNotAllowlisted     = errors.New("account is not on the allowlist")
	ErrAlreadyClaimed     = errors.New("account has already claimed")
	ErrWindowNotOpen      = errors.New("claim window is not open")
	ErrLedgerUnavailable  = errors.New("ledger unavailable")
	ErrNotInitialized     = errors.New("ledger is not initialized")
	ErrAlreadyInitialized = errors.New("ledger is already initialized")
	ErrInvalidWindow      = errors.New("claim window end must be after start")
	ErrInvalidArgument    = errors.New("invalid argument")
)

var sentinels = map[Reason]error{
	ReasonAuthorization:      ErrAuthorization,
	ReasonNotAllowlisted:     ErrNotAllowlisted,
	ReasonAlreadyClaimed:     ErrAlreadyClaimed,
	ReasonWindowNotOpen:      ErrWindowNotOpen,
	ReasonLedgerUnavailable:  ErrLedgerUnavailable,
	ReasonNotInitialized:     ErrNotInitialized,
	ReasonAlreadyInitialized: ErrAlreadyInitialized,
	ReasonInvalidWindow:      ErrInvalidWindow,
	ReasonInvalidArgument:    ErrInvalidArgument,
}

// Sentinel returns the sentinel error of r, nil for ReasonUnknown.
func (r Reason) Sentinel() error {
	return sentinels[r]
}

// abort is the on-chain abort constant reported for a Reason.
// The high bits carry the error category, the low bits the reason index.
type abort struct {
	name string
	code uint64
}

var aborts = map[Reason]abort{
	ReasonAuthorization:      {"E_NOT_ADMIN", 0x50001},
	ReasonNotAllowlisted:     {"E_NOT_ALLOWLISTED", 0x60002},
	ReasonAlreadyClaimed:     {"E_ALREADY_CLAIMED", 0x80003},
	ReasonWindowNotOpen:      {"E_CLAIM_WINDOW_CLOSED", 0x30004},
	ReasonInvalidWindow:      {"E_INVALID_WINDOW", 0x10005},
	ReasonInvalidArgument:    {"E_INVALID_ARGUMENT", 0x10006},
	ReasonNotInitialized:     {"E_NOT_INITIALIZED", 0x60007},
	ReasonAlreadyInitialized: {"E_ALREADY_INITIALIZED", 0x80008},
}

// storageErrorStatus is the VM status prefix of a transaction that could not
// reach ledger storage.
const storageErrorStatus = "STORAGE_ERROR"

// Failure is a rejected ledger operation.
type Failure struct {
	Reason  Reason
	Account domain.Address // account the failure concerns, zero if none
	Detail  string
	Cause   error // underlying error, set for LedgerUnavailable
}

func fail(reason Reason, account domain.Address, format string, args ...any) *Failure {
	return &Failure{Reason: reason, Account: account, Detail: fmt.Sprintf(format, args...)}
}

func unavailable(op string, cause error) *Failure {
	return &Failure{Reason: ReasonLedgerUnavailable, Detail: op, Cause: cause}
}

func (f *Failure) Error() string {
	msg := f.Reason.String()
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Cause != nil {
		msg += ": " + f.Cause.Error()
	}
	return msg
}

// Unwrap exposes the Reason sentinel and the cause to errors.Is/As.
func (f *Failure) Unwrap() []error {
	var errs []error
	if s := f.Reason.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if f.Cause != nil {
		errs = append(errs, f.Cause)
	}
	return errs
}

// AbortCode returns the abort constant of the failure, 0 if it has none.
func (f *Failure) AbortCode() uint64 {
	return aborts[f.Reason].code
}

// VMStatus renders the failure the way a transaction reports it, e.g.
// "Move abort in 0x…::cabalcoin: E_ALREADY_CLAIMED(0x80003): account has already claimed".
func (f *Failure) VMStatus(moduleID string) string {
	a, ok := aborts[f.Reason]
	if !ok {
		return fmt.Sprintf("%s: %s", storageErrorStatus, f.Error())
	}
	detail := f.Detail
	if detail == "" {
		detail = f.Reason.Sentinel().Error()
	}
	return fmt.Sprintf("Move abort in %s: %s(0x%x): %s", moduleID, a.name, a.code, detail)
}

// ReasonOf classifies err. Returns ReasonUnknown for nil or unclassified errors.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	for r, s := range sentinels {
		if errors.Is(err, s) {
			return r
		}
	}
	return ReasonUnknown
}

var abortName = regexp.MustCompile(`\b(E_[A-Z_]+)\(0x[0-9a-fA-F]+\)`)

// ReasonFromStatus maps a failed transaction's VM status back to a Reason.
func ReasonFromStatus(vmStatus string) Reason {
	if m := abortName.FindStringSubmatch(vmStatus); m != nil {
		for r, a := range aborts {
			if a.name == m[1] {
				return r
			}
		}
	}
	if strings.HasPrefix(vmStatus, storageErrorStatus) {
		return ReasonLedgerUnavailable
	}
	return ReasonUnknown
}

// FailureFromStatus rebuilds a *Failure from a failed transaction's VM status.
func FailureFromStatus(vmStatus string) *Failure {
	return &Failure{Reason: ReasonFromStatus(vmStatus), Detail: vmStatus}
}

package interf

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"
)

// ErrorKind classifies store errors. The retry wrapper only retries KindTransient.
type ErrorKind int

const (
	KindTransient ErrorKind = iota + 1 // timeouts, network errors, 5xx, throttling
	KindPermanent                      // everything that will not heal by retrying
	KindAuth                           // rejected or expired credentials
	KindNotFound                       // the key does not exist
	KindIO                             // local I/O failure
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Store operations used in StoreError.Op.
const (
	OpWrite  = "write"
	OpRead   = "read"
	OpRemove = "remove"
	OpExists = "exists"
)

// StoreError is returned by every Store operation that fails.
type StoreError struct {
	Store string
	Op    string
	Kind  ErrorKind
	Err   error
}

// NewStoreError wraps err. A nil err returns nil.
// An err that already is a StoreError keeps its kind.
func NewStoreError(store, op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Store: store, Op: op, Kind: kind, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %q: %s failed (%s): %v", e.Store, e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, errors.NotFound) match not found store errors.
func (e *StoreError) Is(target error) bool {
	switch target {
	case errors.NotFound:
		return e.Kind == KindNotFound
	case errors.Unauthorized:
		return e.Kind == KindAuth
	}
	return false
}

// KindOf returns the kind of a StoreError in the chain of err, or 0.
func KindOf(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsNotFound reports whether err means "no such file, copy or key".
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound || errors.Is(err, errors.NotFound)
}

//--------------------------------------------------------------------------------------------------------------------//

// PolicyReason is the rule a file was rejected by.
type PolicyReason string

const (
	TooLarge        PolicyReason = "TooLarge"
	TypeDenied      PolicyReason = "TypeDenied"
	ExtensionDenied PolicyReason = "ExtensionDenied"
)

// PolicyError is returned when a file is not admitted to a collection.
type PolicyError struct {
	Reason  PolicyReason
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Is lets errors.Is(err, errors.NotValid) match policy errors.
func (e *PolicyError) Is(target error) bool {
	return target == errors.NotValid
}

// IsPolicyReason reports whether err is a PolicyError with the given reason.
func IsPolicyReason(err error, reason PolicyReason) bool {
	var pe *PolicyError
	return errors.As(err, &pe) && pe.Reason == reason
}

//--------------------------------------------------------------------------------------------------------------------//

// PartialWriteError is returned together with the record when at least one store
// has no copy after an insert, repair or rewrite. Successful copies are kept.
type PartialWriteError struct {
	ID     string
	Failed map[string]error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("file %s: write failed for stores %s", e.ID, failedList(e.Failed))
}

// Stores returns the sorted names of the failed stores.
func (e *PartialWriteError) Stores() []string {
	return sortedKeys(e.Failed)
}

// PartialRemoveError is returned when a remove could not delete every copy.
// The record stays in the index, marked for removal.
type PartialRemoveError struct {
	ID     string
	Failed map[string]error
}

func (e *PartialRemoveError) Error() string {
	return fmt.Sprintf("file %s: remove failed for stores %s", e.ID, failedList(e.Failed))
}

// Stores returns the sorted names of the failed stores.
func (e *PartialRemoveError) Stores() []string {
	return sortedKeys(e.Failed)
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func failedList(m map[string]error) string {
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s (%v)", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

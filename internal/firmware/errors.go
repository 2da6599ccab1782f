// internal/firmware/errors.go
package firmware

import (
	"errors"
	"fmt"
)

var (
	ErrChecksumMismatch    = errors.New("firmware: record checksum mismatch")
	ErrRetriesExhausted    = errors.New("firmware: retries exhausted")
	ErrConfirmationTimeout = errors.New("firmware: confirmation window expired")
	ErrFinalizeRejected    = errors.New("firmware: device rejected download end")
	ErrBootRejected        = errors.New("firmware: device refused boot mode")
	ErrSizeRejected        = errors.New("firmware: device rejected image size")
	ErrInvalidPhase        = errors.New("firmware: operation not valid in current phase")
	ErrTransferInProgress  = errors.New("firmware: transfer in progress")
	ErrEmptyImage          = errors.New("firmware: image has no records")
	ErrAborted             = errors.New("firmware: transfer aborted")
)

// ChecksumMismatchError indicates that a data record's checksum does not match its contents.
type ChecksumMismatchError struct {
	Line     int
	Expected byte
	Actual   byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch on line %d: record has 0x%02X, computed 0x%02X",
		e.Line, e.Actual, e.Expected)
}

func (e *ChecksumMismatchError) Is(target error) bool { return target == ErrChecksumMismatch }

// RecordError indicates a line that starts like a record but cannot be parsed.
type RecordError struct {
	Line   int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// TransferError ties a streaming failure to the record line and the step that failed.
type TransferError struct {
	Line int
	Op   string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s failed at line %d: %v", e.Op, e.Line, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

package ledger

import "fmt"

// Code classifies why a protocol run stopped. Every code is terminal for
// the attempt that produced it.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotFound
	CodeAmbiguous
	CodeValidationFailed
	CodeSignatureRejected
	CodeNotarizationConflict
	CodeUnreachable
)

var codeNames = map[Code]string{
	CodeUnknown:              "unknown",
	CodeNotFound:             "not found",
	CodeAmbiguous:            "ambiguous",
	CodeValidationFailed:     "validation failed",
	CodeSignatureRejected:    "signature rejected",
	CodeNotarizationConflict: "notarization conflict",
	CodeUnreachable:          "unreachable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Stage names the part of a run that failed.
type Stage string

const (
	StageResolution          Stage = "resolution"
	StageProposal            Stage = "proposal"
	StageSignatureCollection Stage = "signature-collection"
	StageNotarization        Stage = "notarization"
	StageFinality            Stage = "finality"
	StageSync                Stage = "sync"
)

// Sentinels for errors.Is; matching is on Code only.
var (
	ErrNotFound             = &ErrorCode{Code: CodeNotFound}
	ErrAmbiguous            = &ErrorCode{Code: CodeAmbiguous}
	ErrValidationFailed     = &ErrorCode{Code: CodeValidationFailed}
	ErrSignatureRejected    = &ErrorCode{Code: CodeSignatureRejected}
	ErrNotarizationConflict = &ErrorCode{Code: CodeNotarizationConflict}
	ErrUnreachable          = &ErrorCode{Code: CodeUnreachable}
)

type ErrorCode struct {
	Code  Code
	Stage Stage
	// ID is the offending identifier (account id, linear id, node id, tx id)
	ID    string
	Memo  string
	Cause error
}

func NewError(code Code, stage Stage, id string, memo string) *ErrorCode {
	return &ErrorCode{Code: code, Stage: stage, ID: id, Memo: memo}
}

func Wrap(code Code, stage Stage, id string, cause error) *ErrorCode {
	return &ErrorCode{Code: code, Stage: stage, ID: id, Cause: cause}
}

func (e *ErrorCode) GetCode() Code {
	return e.Code
}

func (e *ErrorCode) Error() string {
	msg := e.Code.String()
	if e.Stage != "" {
		msg = string(e.Stage) + ": " + msg
	}
	if e.ID != "" {
		msg += " (" + e.ID + ")"
	}
	if e.Memo != "" {
		msg += ": " + e.Memo
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ErrorCode) Unwrap() error {
	return e.Cause
}

func (e *ErrorCode) Is(target error) bool {
	t, ok := target.(*ErrorCode)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithStage returns a copy of err tagged with stage when err is an
// *ErrorCode that has no stage yet. Other errors are returned untouched.
func WithStage(err error, stage Stage) error {
	ec, ok := err.(*ErrorCode)
	if !ok || ec.Stage != "" {
		return err
	}
	cp := *ec
	cp.Stage = stage
	return &cp
}

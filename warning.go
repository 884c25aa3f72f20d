package asmflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for description loading and register normalization.
var (
	// ErrUnknownRegister reports a register token with no entry in the
	// loaded architecture description.
	ErrUnknownRegister = errors.New("unknown register")

	// ErrUnknownArchitecture reports a request for an architecture without
	// a built-in description.
	ErrUnknownArchitecture = errors.New("unknown architecture")

	// ErrMalformedDescription reports an architecture description document
	// that failed validation. Loading fails closed: no partially built
	// description is ever returned alongside it.
	ErrMalformedDescription = errors.New("malformed architecture description")
)

// WarningKind classifies a non-fatal analysis degradation.
type WarningKind string

// Recognized warning kinds.
const (
	// WarnUnknownRegister marks a register token the architecture
	// description does not cover; its reads and writes are skipped.
	WarnUnknownRegister WarningKind = "unknown-register"

	// WarnUnknownMnemonic marks a mnemonic with no category entry; the
	// conservative default effects apply instead.
	WarnUnknownMnemonic WarningKind = "unknown-mnemonic"

	// WarnUnresolvedTarget marks a branch destination that could not be
	// mapped to an instruction, such as an external symbol or a
	// register-indirect jump. No control flow edge is emitted for it.
	WarnUnresolvedTarget WarningKind = "unresolved-target"
)

// Warning reports an input construct the analysis degraded on instead of
// failing. Analyses return warnings as values alongside their results; the
// library never logs.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Line    int         `json:"line,omitempty"`
	Subject string      `json:"subject,omitempty"`
}

func (w Warning) String() string {
	if w.Line > 0 {
		return fmt.Sprintf("%s: %q (line %d)", w.Kind, w.Subject, w.Line)
	}
	return fmt.Sprintf("%s: %q", w.Kind, w.Subject)
}

// Package diag defines lint diagnostics and the stable code taxonomy.
//
// Codes are partitioned by concern: 1xxx policy structure, 2xxx expression
// and operator correctness, 3xxx constraint shape. A code's meaning never
// changes once released; external tooling matches on the literal string.
package diag

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is the severity of a diagnostic.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Mode selects how strictly diagnostics gate IR emission.
type Mode string

const (
	// ModeStrict treats every error-level diagnostic as fatal.
	ModeStrict Mode = "strict"
	// ModeRelaxed treats only structural codes as fatal.
	ModeRelaxed Mode = "relaxed"
)

// ParseMode parses a mode name. The empty string selects strict.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict, "":
		return ModeStrict, nil
	case ModeRelaxed:
		return ModeRelaxed, nil
	default:
		return "", fmt.Errorf("unknown lint mode %q (want strict or relaxed)", s)
	}
}

// Diagnostic is a single coded report of a policy defect.
type Diagnostic struct {
	Code    Code   `json:"code"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
	RuleID  string `json:"rule_id,omitempty"`
}

func (d Diagnostic) String() string {
	if d.RuleID != "" {
		return fmt.Sprintf("%s %s [%s]: %s", d.Level, d.Code, d.RuleID, d.Message)
	}
	return fmt.Sprintf("%s %s: %s", d.Level, d.Code, d.Message)
}

// New builds a diagnostic whose level is looked up in the catalog for mode.
func New(code Code, mode Mode, ruleID, format string, args ...any) Diagnostic {
	return Diagnostic{
		Code:    code,
		Level:   code.LevelIn(mode),
		Message: fmt.Sprintf(format, args...),
		RuleID:  ruleID,
	}
}

// List is an ordered set of diagnostics. Order is discovery order.
type List []Diagnostic

// MarshalJSON renders an empty list as [] rather than null.
func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Diagnostic(l))
}

// Errors returns the error-level diagnostics.
func (l List) Errors() List {
	return l.filter(func(d Diagnostic) bool { return d.Level == LevelError })
}

// Warnings returns the warning-level diagnostics.
func (l List) Warnings() List {
	return l.filter(func(d Diagnostic) bool { return d.Level == LevelWarning })
}

// Fatal returns the diagnostics that block IR emission in mode.
func (l List) Fatal(mode Mode) List {
	return l.filter(func(d Diagnostic) bool { return d.Code.FatalIn(mode, d.Level) })
}

// HasFatal reports whether any diagnostic blocks IR emission in mode.
func (l List) HasFatal(mode Mode) bool {
	for _, d := range l {
		if d.Code.FatalIn(mode, d.Level) {
			return true
		}
	}
	return false
}

// Has reports whether a diagnostic with code is present.
func (l List) Has(code Code) bool {
	for _, d := range l {
		if d.Code == code {
			return true
		}
	}
	return false
}

// WithCode returns the diagnostics carrying code.
func (l List) WithCode(code Code) List {
	return l.filter(func(d Diagnostic) bool { return d.Code == code })
}

// Codes returns the codes in order, duplicates included.
func (l List) Codes() []Code {
	out := make([]Code, len(l))
	for i, d := range l {
		out[i] = d.Code
	}
	return out
}

func (l List) filter(keep func(Diagnostic) bool) List {
	out := List{}
	for _, d := range l {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

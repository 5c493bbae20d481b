package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ModifierKind enumerates the closed set of test modifiers
type ModifierKind int

const (
	// ModifierShouldSucceed expects exit 0 and an exact output match. It is
	// the implicit behavior of a test without modifiers.
	ModifierShouldSucceed ModifierKind = iota

	// ModifierShouldFail expects a non-zero exit; output is not compared
	ModifierShouldFail

	// ModifierExitCode expects a specific exit code; output is not compared
	ModifierExitCode

	// ModifierTimeLimit tightens the wall clock limit for this test
	ModifierTimeLimit
)

var modifierKindToString = []string{
	"should_succeed",
	"should_fail",
	"exit_code",
	"time_limit",
}

// stringToModifierKind maps the serialized names back to kinds
var stringToModifierKind = make(map[string]ModifierKind)

func (k ModifierKind) String() string {
	ki := int(k)
	if ki < 0 || ki >= len(modifierKindToString) {
		return modifierKindToString[0]
	}
	return modifierKindToString[ki]
}

// MarshalJSON encodes the kind as its serialized name
func (k ModifierKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes the kind from its serialized name
func (k *ModifierKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := stringToModifierKind[s]
	if !ok {
		return fmt.Errorf("invalid modifier kind: %q", s)
	}
	*k = v
	return nil
}

func init() {
	for i, v := range modifierKindToString {
		stringToModifierKind[v] = ModifierKind(i)
	}
}

// Modifier alters how a test's actual-vs-expected comparison is interpreted.
// Modifiers apply in list order; each may veto or rewrite the verdict produced
// by the previous one.
type Modifier struct {
	Kind      ModifierKind  `json:"kind"`
	ExitCode  int           `json:"exit_code,omitempty"`
	TimeLimit time.Duration `json:"time_limit,omitempty"`
}

// ModifierList is the ordered modifier chain of a test, stored as a JSON
// column alongside the test row.
type ModifierList []Modifier

// Value implements driver.Valuer for gorm
func (l ModifierList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for gorm
func (l *ModifierList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan modifier list from %T", src)
	}
}

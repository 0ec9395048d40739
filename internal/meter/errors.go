package meter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchema indicates the export header does not carry the expected field set.
	ErrSchema = errors.New("meter: export schema mismatch")

	// ErrMalformedRow indicates an export row could not be parsed.
	ErrMalformedRow = errors.New("meter: malformed export row")

	// ErrMalformedEvent indicates a push frame could not be decoded.
	ErrMalformedEvent = errors.New("meter: malformed push event")

	// ErrNoEnergyMeter indicates a status notification without the em:0 component.
	ErrNoEnergyMeter = errors.New("meter: status carries no energy meter data")
)

// SchemaError describes how an export header differs from ExportFields.
type SchemaError struct {
	Missing    []string
	Unexpected []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing [%s]", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected [%s]", strings.Join(e.Unexpected, ", ")))
	}
	return fmt.Sprintf("%v: %s", ErrSchema, strings.Join(parts, ", "))
}

func (e *SchemaError) Unwrap() error {
	return ErrSchema
}

package provider

import (
	"errors"
	"fmt"
)

// TerminalCategory is the fixed set of join/send failures that are permanent
// for a given target: retrying can never succeed, so callers blacklist.
type TerminalCategory string

const (
	AlreadyParticipant TerminalCategory = "already_participant"
	InvalidIdentifier  TerminalCategory = "invalid_identifier"
	Forbidden          TerminalCategory = "forbidden"
	BadRequest         TerminalCategory = "bad_request"
)

// TerminalError marks a permanently failing operation.
type TerminalError struct {
	Category TerminalCategory
	Err      error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("terminal: %s", e.Category)
	}
	return fmt.Sprintf("terminal: %s: %v", e.Category, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// NewTerminal wraps err as a permanent failure of the given category.
func NewTerminal(cat TerminalCategory, err error) error {
	return &TerminalError{Category: cat, Err: err}
}

// Terminal reports whether err is classified as permanent.
func Terminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// TerminalCategoryOf returns the category, or "" when err is not terminal.
func TerminalCategoryOf(err error) TerminalCategory {
	var te *TerminalError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

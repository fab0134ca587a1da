package domain

import (
	"errors"
	"fmt"
	"strings"
)

type InvoiceStatus string

const (
	StatusOpen InvoiceStatus = "OPEN"
	StatusWIP  InvoiceStatus = "WIP"
	StatusHeld InvoiceStatus = "HELD"
	StatusPaid InvoiceStatus = "PAID"
	StatusVoid InvoiceStatus = "VOID"
)

type InvoiceEvent string

const (
	EventHold     InvoiceEvent = "hold"
	EventResume   InvoiceEvent = "resume"
	EventCheckout InvoiceEvent = "checkout"
	EventVoid     InvoiceEvent = "void"
)

var (
	ErrIllegalTransition = errors.New("illegal invoice transition")
	ErrUnknownStatus     = errors.New("unknown invoice status")
)

// transitions lists, per event, the statuses it may leave from and where it lands.
var transitions = map[InvoiceEvent]struct {
	from []InvoiceStatus
	to   InvoiceStatus
}{
	EventHold:     {from: []InvoiceStatus{StatusOpen, StatusWIP}, to: StatusHeld},
	EventResume:   {from: []InvoiceStatus{StatusHeld}, to: StatusWIP},
	EventCheckout: {from: []InvoiceStatus{StatusOpen, StatusWIP, StatusHeld}, to: StatusPaid},
	EventVoid:     {from: []InvoiceStatus{StatusOpen, StatusWIP, StatusHeld, StatusPaid}, to: StatusVoid},
}

// Transition returns the status an invoice moves to when event fires in from.
func Transition(from InvoiceStatus, event InvoiceEvent) (InvoiceStatus, error) {
	rule, ok := transitions[event]
	if !ok {
		return from, fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, event)
	}
	for _, allowed := range rule.from {
		if allowed == from {
			return rule.to, nil
		}
	}
	return from, fmt.Errorf("%w: cannot %s a %s invoice", ErrIllegalTransition, event, from)
}

func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusWIP, StatusHeld, StatusPaid, StatusVoid:
		return true
	}
	return false
}

// Editable reports whether line items and discounts may still change.
func (s InvoiceStatus) Editable() bool {
	return s == StatusOpen || s == StatusWIP || s == StatusHeld
}

func (s InvoiceStatus) Terminal() bool {
	return s == StatusPaid || s == StatusVoid
}

func ParseStatus(raw string) (InvoiceStatus, error) {
	status := InvoiceStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return status, nil
}

// Package schema defines the shared data model for the algoexec engine:
// atomic orders, channel subscriptions, handler table keys, and market data
// payloads.
package schema

import (
	"strings"

	"github.com/quantfoundry/algoexec/errs"
)

// Section identifies a handler table section.
type Section string

const (
	// SectionLife covers instance lifecycle events.
	SectionLife Section = "life"
	// SectionSelf covers strategy-defined events triggered only by the instance itself.
	SectionSelf Section = "self"
	// SectionData covers market data events.
	SectionData Section = "data"
	// SectionOrders covers order lifecycle events.
	SectionOrders Section = "orders"
	// SectionErrors covers venue rejection notifications.
	SectionErrors Section = "errors"
)

// EventName identifies an event within a section.
type EventName string

// Lifecycle events.
const (
	EventStart EventName = "start"
	EventStop  EventName = "stop"
)

// Market data events.
const (
	EventTrades       EventName = "trades"
	EventBook         EventName = "book"
	EventCandles      EventName = "candles"
	EventTicker       EventName = "ticker"
	EventNotification EventName = "notification"
)

// Order lifecycle events.
const (
	EventOrderNew      EventName = "order_new"
	EventOrderUpdate   EventName = "order_update"
	EventOrderClose    EventName = "order_close"
	EventOrderFill     EventName = "order_fill"
	EventOrderCancel   EventName = "order_cancel"
	EventOrderSnapshot EventName = "order_snapshot"
)

// Error events.
const (
	EventMinimumSize         EventName = "minimum_size"
	EventInsufficientBalance EventName = "insufficient_balance"
	EventEvaluateBalance     EventName = "evaluate_balance"
	EventUnknownError        EventName = "unknown_error"
)

var knownSections = map[Section]struct{}{
	SectionLife:   {},
	SectionSelf:   {},
	SectionData:   {},
	SectionOrders: {},
	SectionErrors: {},
}

// Validate ensures the section is one of the known handler table sections.
func (s Section) Validate() error {
	if _, ok := knownSections[s]; !ok {
		return errs.New("schema/section", errs.CodeInvalid,
			errs.WithMessage("unknown handler section"),
			errs.WithField("section", string(s)))
	}
	return nil
}

// Validate ensures the event name is non-empty.
func (n EventName) Validate() error {
	if strings.TrimSpace(string(n)) == "" {
		return errs.New("schema/event-name", errs.CodeInvalid, errs.WithMessage("event name required"))
	}
	return nil
}

// Key renders the canonical section:name form used in log lines and the
// per-instance observability events.
func Key(section Section, name EventName) string {
	return string(section) + ":" + string(name)
}

// Package quotestates holds the status machines of quotes and payments.
//
// Transitions are applied synchronously to in-memory records; persisting the
// result is up to the caller.
package quotestates

import (
	"github.com/filecoin-project/go-statemachine/fsm"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
)

// Machine applies quote and payment events
type Machine struct {
	quotes   fsm.EventProcessor
	payments fsm.EventProcessor
}

// NewMachine builds the quote and payment event processors
func NewMachine() (*Machine, error) {
	quotes, err := fsm.NewEventProcessor(quotemarket.Quote{}, "Status", QuoteEvents)
	if err != nil {
		return nil, xerrors.Errorf("building quote transitions: %w", err)
	}
	payments, err := fsm.NewEventProcessor(quotemarket.Payment{}, "Status", PaymentEvents)
	if err != nil {
		return nil, xerrors.Errorf("building payment transitions: %w", err)
	}
	return &Machine{quotes: quotes, payments: payments}, nil
}

// ApplyQuote moves quote along event. The quote is left untouched if the
// event is not allowed from its current status.
func (m *Machine) ApplyQuote(quote *quotemarket.Quote, event quotemarket.QuoteEvent, args ...interface{}) error {
	evt, err := m.quotes.Event(event, args...)
	if err != nil {
		return err
	}
	updated := *quote
	if _, err := m.quotes.Apply(evt, &updated); err != nil {
		return xerrors.Errorf("%s from %s (%s): %w", event, quote.Status, err, quotemarket.ErrInvalidTransition)
	}
	*quote = updated
	return nil
}

// ApplyPayment moves payment along event
func (m *Machine) ApplyPayment(payment *quotemarket.Payment, event quotemarket.PaymentEvent, args ...interface{}) error {
	evt, err := m.payments.Event(event, args...)
	if err != nil {
		return err
	}
	updated := *payment
	if _, err := m.payments.Apply(evt, &updated); err != nil {
		return xerrors.Errorf("%s from %s (%s): %w", event, payment.Status, err, quotemarket.ErrInvalidTransition)
	}
	*payment = updated
	return nil
}

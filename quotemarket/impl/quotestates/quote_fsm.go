package quotestates

import (
	"github.com/filecoin-project/go-statemachine/fsm"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
)

// QuoteEvents is the transition table of quote statuses. Anything not listed
// here is rejected.
var QuoteEvents = fsm.Events{
	fsm.Event(quotemarket.QuoteEventOpen).
		From(quotemarket.QuoteNoSuchQuote).To(quotemarket.QuoteWaitingForUpload),
	fsm.Event(quotemarket.QuoteEventPaymentStarted).
		From(quotemarket.QuoteWaitingForUpload).To(quotemarket.QuoteProcessingPayment).
		Action(func(quote *quotemarket.Quote) error {
			quote.Message = ""
			return nil
		}),
	fsm.Event(quotemarket.QuoteEventPaymentConfirmed).
		From(quotemarket.QuoteProcessingPayment).To(quotemarket.QuoteWaitingForUpload),
	fsm.Event(quotemarket.QuoteEventPaymentDeferred).
		From(quotemarket.QuoteProcessingPayment).To(quotemarket.QuoteWaitingForUpload).
		Action(func(quote *quotemarket.Quote, err error) error {
			quote.Message = xerrors.Errorf("payment deferred: %w", err).Error()
			return nil
		}),
	fsm.Event(quotemarket.QuoteEventPaymentFailed).
		From(quotemarket.QuoteProcessingPayment).To(quotemarket.QuoteProcessingPaymentFailure).
		Action(func(quote *quotemarket.Quote, err error) error {
			quote.Message = xerrors.Errorf("creating allowance failed: %w", err).Error()
			return nil
		}),
	fsm.Event(quotemarket.QuoteEventUploadStarted).
		FromMany(quotemarket.QuoteWaitingForUpload, quotemarket.QuoteUploadingToStorage).
		To(quotemarket.QuoteUploadingToStorage).
		Action(func(quote *quotemarket.Quote) error {
			quote.Message = ""
			return nil
		}),
	fsm.Event(quotemarket.QuoteEventUploadCompleted).
		From(quotemarket.QuoteUploadingToStorage).To(quotemarket.QuoteUploadDone),
	fsm.Event(quotemarket.QuoteEventUploadFailed).
		From(quotemarket.QuoteUploadingToStorage).To(quotemarket.QuoteUploadFailure).
		Action(func(quote *quotemarket.Quote, err error) error {
			quote.Message = xerrors.Errorf("upload to storage failed: %w", err).Error()
			return nil
		}),
}

// PaymentEvents is the transition table of payment statuses
var PaymentEvents = fsm.Events{
	fsm.Event(quotemarket.PaymentEventSettled).
		From(quotemarket.PaymentWaiting).To(quotemarket.PaymentDone).
		Action(func(payment *quotemarket.Payment, txHash string) error {
			payment.TxHash = txHash
			return nil
		}),
	fsm.Event(quotemarket.PaymentEventRefunded).
		From(quotemarket.PaymentWaiting).To(quotemarket.PaymentRefunded),
}

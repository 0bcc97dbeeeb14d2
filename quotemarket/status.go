package quotemarket

import "fmt"

// QuoteStatus is the lifecycle status of a quote
type QuoteStatus uint64

const (
	// QuoteNoSuchQuote is the status reported for quotes that do not exist
	QuoteNoSuchQuote QuoteStatus = 0

	// QuoteWaitingForUpload means the quote is priced and awaits a signed upload
	QuoteWaitingForUpload QuoteStatus = 1

	// QuoteProcessingPayment means an allowance transaction is in flight
	QuoteProcessingPayment QuoteStatus = 100

	// QuoteProcessingPaymentFailure means the allowance transaction failed
	QuoteProcessingPaymentFailure QuoteStatus = 200

	// QuoteUploadingToStorage means files are being relayed and handed off
	QuoteUploadingToStorage QuoteStatus = 300

	// QuoteUploadDone means the storage backend accepted the files
	QuoteUploadDone QuoteStatus = 400

	// QuoteUploadFailure means relaying or handing off the files failed
	QuoteUploadFailure QuoteStatus = 401
)

// QuoteStatuses maps quote status codes to names
var QuoteStatuses = map[QuoteStatus]string{
	QuoteNoSuchQuote:              "QuoteNoSuchQuote",
	QuoteWaitingForUpload:         "QuoteWaitingForUpload",
	QuoteProcessingPayment:        "QuoteProcessingPayment",
	QuoteProcessingPaymentFailure: "QuoteProcessingPaymentFailure",
	QuoteUploadingToStorage:       "QuoteUploadingToStorage",
	QuoteUploadDone:               "QuoteUploadDone",
	QuoteUploadFailure:            "QuoteUploadFailure",
}

func (s QuoteStatus) String() string {
	if name, ok := QuoteStatuses[s]; ok {
		return name
	}
	return fmt.Sprintf("QuoteStatus(%d)", uint64(s))
}

// Terminal is true for statuses a quote never leaves
func (s QuoteStatus) Terminal() bool {
	switch s {
	case QuoteProcessingPaymentFailure, QuoteUploadDone, QuoteUploadFailure:
		return true
	}
	return false
}

// PaymentStatus is the status of a single payment attempt
type PaymentStatus string

const (
	PaymentWaiting  PaymentStatus = "waiting"
	PaymentDone     PaymentStatus = "done"
	PaymentRefunded PaymentStatus = "refunded"
)

// QuoteEvent is an event that moves a quote between statuses
type QuoteEvent uint64

const (
	// QuoteEventOpen records a freshly priced quote
	QuoteEventOpen QuoteEvent = iota

	// QuoteEventPaymentStarted happens when an allowance transaction is about to be sent
	QuoteEventPaymentStarted

	// QuoteEventPaymentConfirmed happens when the allowance receipt was observed
	QuoteEventPaymentConfirmed

	// QuoteEventPaymentDeferred happens when the ledger could not be reached and the
	// payment may be attempted again
	QuoteEventPaymentDeferred

	// QuoteEventPaymentFailed happens when the allowance transaction reverted
	QuoteEventPaymentFailed

	// QuoteEventUploadStarted happens once an upload request passed the nonce guard
	QuoteEventUploadStarted

	// QuoteEventUploadCompleted happens when the storage backend accepted the handoff
	QuoteEventUploadCompleted

	// QuoteEventUploadFailed happens when relaying or handing off files failed
	QuoteEventUploadFailed
)

// QuoteEvents maps quote event codes to names
var QuoteEvents = map[QuoteEvent]string{
	QuoteEventOpen:             "QuoteEventOpen",
	QuoteEventPaymentStarted:   "QuoteEventPaymentStarted",
	QuoteEventPaymentConfirmed: "QuoteEventPaymentConfirmed",
	QuoteEventPaymentDeferred:  "QuoteEventPaymentDeferred",
	QuoteEventPaymentFailed:    "QuoteEventPaymentFailed",
	QuoteEventUploadStarted:    "QuoteEventUploadStarted",
	QuoteEventUploadCompleted:  "QuoteEventUploadCompleted",
	QuoteEventUploadFailed:     "QuoteEventUploadFailed",
}

func (e QuoteEvent) String() string {
	if name, ok := QuoteEvents[e]; ok {
		return name
	}
	return fmt.Sprintf("QuoteEvent(%d)", uint64(e))
}

// PaymentEvent is an event that moves a payment between statuses
type PaymentEvent uint64

const (
	// PaymentEventSettled marks the payment as done
	PaymentEventSettled PaymentEvent = iota

	// PaymentEventRefunded marks the payment as refunded
	PaymentEventRefunded
)

// PaymentEvents maps payment event codes to names
var PaymentEvents = map[PaymentEvent]string{
	PaymentEventSettled:  "PaymentEventSettled",
	PaymentEventRefunded: "PaymentEventRefunded",
}

func (e PaymentEvent) String() string {
	if name, ok := PaymentEvents[e]; ok {
		return name
	}
	return fmt.Sprintf("PaymentEvent(%d)", uint64(e))
}

package message

import "fmt"

const (
	DispositionAccept Disposition = iota + 1
	DispositionRequeue
	DispositionReject
)

type Disposition int

func (d Disposition) String() string {
	switch d {
	case DispositionAccept:
		return "accept"
	case DispositionRequeue:
		return "requeue"
	case DispositionReject:
		return "reject"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Outcome is the handler decision for a delivery. The zero value accepts the delivery.
type Outcome struct {
	disposition Disposition
	err         error
}

func Accept() Outcome {
	return Outcome{disposition: DispositionAccept}
}

func Requeue() Outcome {
	return Outcome{disposition: DispositionRequeue}
}

func Reject() Outcome {
	return Outcome{disposition: DispositionReject}
}

func Fault(err error) Outcome {
	if err == nil {
		err = ErrHandlerFault
	}

	return Outcome{err: err}
}

// OutcomeOf maps a plain handler error: nil accepts, anything else faults.
func OutcomeOf(err error) Outcome {
	if err != nil {
		return Fault(err)
	}

	return Accept()
}

func (o Outcome) IsFault() bool {
	return o.err != nil
}

func (o Outcome) Err() error {
	return o.err
}

// Disposition returns the settlement of a non-fault outcome.
func (o Outcome) Disposition() Disposition {
	if o.err != nil {
		return 0
	}
	if o.disposition == 0 {
		return DispositionAccept
	}

	return o.disposition
}

func (o Outcome) String() string {
	if o.err != nil {
		return fmt.Sprintf("fault(%s)", o.err)
	}

	return o.Disposition().String()
}

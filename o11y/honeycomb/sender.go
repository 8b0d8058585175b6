package honeycomb

import (
	"errors"

	"github.com/honeycombio/libhoney-go/transmission"
)

// MultiSender fans each event out to every one of Senders.
// Responses are only read from the first sender.
type MultiSender struct {
	Senders []transmission.Sender
}

func (s *MultiSender) Start() error {
	var errs []error
	for _, tx := range s.Senders {
		errs = append(errs, tx.Start())
	}
	return errors.Join(errs...)
}

func (s *MultiSender) Stop() error {
	var errs []error
	for _, tx := range s.Senders {
		errs = append(errs, tx.Stop())
	}
	return errors.Join(errs...)
}

func (s *MultiSender) Flush() error {
	var errs []error
	for _, tx := range s.Senders {
		errs = append(errs, tx.Flush())
	}
	return errors.Join(errs...)
}

func (s *MultiSender) Add(ev *transmission.Event) {
	for _, tx := range s.Senders {
		tx.Add(ev)
	}
}

func (s *MultiSender) TxResponses() chan transmission.Response {
	if len(s.Senders) == 0 {
		return nil
	}
	return s.Senders[0].TxResponses()
}

func (s *MultiSender) SendResponse(r transmission.Response) bool {
	if len(s.Senders) == 0 {
		return false
	}
	return s.Senders[0].SendResponse(r)
}

package backend

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// ErrAborted is returned by Tripwire.Do once connection failures have tripped it.
var ErrAborted = errors.New("run aborted after connection failure")

// Tripwire stops a run after a number of consecutive connection-class failures. Any
// other outcome, including transport and timeout failures, resets the count. Once
// tripped it stays open for the rest of the run.
type Tripwire struct {
	cb *gobreaker.CircuitBreaker
}

// NewTripwire returns a tripwire opening after threshold consecutive connection
// failures. A threshold of 0 is treated as 1.
func NewTripwire(name string, threshold uint32) *Tripwire {
	if threshold == 0 {
		threshold = 1
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     365 * 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !IsFatal(err)
		},
	}
	return &Tripwire{cb: gobreaker.NewCircuitBreaker(st)}
}

// Do runs fn unless the tripwire is open. The error of fn is returned unchanged.
func (t *Tripwire) Do(fn func() error) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrAborted
	}
	return err
}

// Tripped reports whether the run must stop dispatching.
func (t *Tripwire) Tripped() bool {
	return t.cb.State() != gobreaker.StateClosed
}

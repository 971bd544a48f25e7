package sevTrack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"sevTrack/uspt"
)

var ErrCtxCancelled = errors.New("context cancelled")

var errNoEvent = errors.New("no event")

//DefaultPollInterval is the pause between two polls that found no event
const DefaultPollInterval = 50 * time.Microsecond

//Poller is the polling part of the monitor API. *ioctl.API and *uspt.Engine implement it
type Poller interface {
	PollEvent() (uspt.Event, bool, error)
}

//PollerFunc adapts a poll function, e.g. (*ioctl.API).CmdPollEvent, to Poller
type PollerFunc func() (uspt.Event, bool, error)

func (f PollerFunc) PollEvent() (uspt.Event, bool, error) {
	return f()
}

//WaitForEventBlocking blocks until next event is received or context is cancelled. Polls every interval
func WaitForEventBlocking(ctx context.Context, p Poller, interval time.Duration) (uspt.Event, error) {
	var ev uspt.Event
	op := func() error {
		e, ok, err := p.PollEvent()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("PollEvent failed : %w", err))
		}
		if !ok {
			return errNoEvent
		}
		ev = e
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errNoEvent) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return uspt.Event{}, ErrCtxCancelled
		}
		return uspt.Event{}, err
	}
	return ev, nil
}

//OpenEventChannel delivers all events polled from p until ctx is cancelled or polling fails. The channel is closed
//afterwards
func OpenEventChannel(ctx context.Context, p Poller, interval time.Duration, log logrus.FieldLogger) <-chan uspt.Event {
	newEvents := make(chan uspt.Event)
	go func() {
		defer close(newEvents)
		for {
			e, err := WaitForEventBlocking(ctx, p, interval)
			if err != nil {
				if errors.Is(err, ErrCtxCancelled) {
					log.Debugf("OpenEventChannel, ctx canceled, returning")
				} else {
					log.Errorf("Polling error %v", err)
				}
				return
			}
			select {
			case newEvents <- e:
			case <-ctx.Done():
				log.Warnf("OpenEventChannel, ctx canceled, dropping event %v", e.ID)
				return
			}
		}
	}()
	return newEvents
}

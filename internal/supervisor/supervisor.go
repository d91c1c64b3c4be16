// Package supervisor implements the endpoint supervisor (spec.md §4.7):
// retrying transport bring-up until the PCIe link is ready, then
// refusing to proceed against an already-infected target unless
// reinfection is explicitly allowed.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/zboralski/dxeinfect/internal/log"
	"github.com/zboralski/dxeinfect/internal/transport"
)

// RetryWait is how long the supervisor sleeps between transport-open
// attempts after a transient failure.
const RetryWait = time.Second

// BackdoorAddr mirrors internal/hook.BackdoorAddr; duplicated here as a
// plain constant so this package doesn't need to import internal/hook
// just for one address.
const BackdoorAddr = uint64(0xC0000)

// ErrAlreadyInfected is returned when the target already carries an "MZ"
// signature at BackdoorAddr and reinfection is not allowed.
var ErrAlreadyInfected = errors.New("supervisor: target already infected")

// Opener opens a fresh transport connection, returning one of
// transport.ErrLinkNotReady, transport.ErrTimeout, or
// transport.ErrBadCompletion while the link isn't up yet.
type Opener func() (transport.Transport, error)

// WaitForEndpoint retries opener until it succeeds, sleeping RetryWait
// between transient failures. Once a transport is open, it reads the two
// bytes at BackdoorAddr: if they read "MZ" and allowReinfect is false, it
// closes the transport and returns ErrAlreadyInfected.
func WaitForEndpoint(ctx context.Context, opener Opener, logger *log.Logger, allowReinfect bool) (transport.Transport, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t, err := opener()
		if err != nil {
			if isTransientLinkError(err) {
				logger.Retry(err)
				if err := sleep(ctx, RetryWait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		magic, err := t.Read(BackdoorAddr, 2)
		if err != nil {
			if isTransientLinkError(err) {
				_ = t.Close()
				logger.Retry(err)
				if err := sleep(ctx, RetryWait); err != nil {
					return nil, err
				}
				continue
			}
			_ = t.Close()
			return nil, err
		}

		if string(magic) == "MZ" && !allowReinfect {
			_ = t.Close()
			return nil, ErrAlreadyInfected
		}

		return t, nil
	}
}

func isTransientLinkError(err error) bool {
	return errors.Is(err, transport.ErrLinkNotReady) ||
		errors.Is(err, transport.ErrTimeout) ||
		errors.Is(err, transport.ErrBadCompletion)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package pairing

import (
	"context"
	"errors"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/internal/hlog"
)

// retryTransport runs fn up to attempts times, retrying only when it fails
// with a *herrors.TransportError (a transient GATT-level glitch this link is
// expected to produce) and giving up immediately on anything else — a
// ProtocolError or similar will recur identically on retry, so retrying it
// just wastes the budget. Mirrors aiohomekit's
// retry_bluetooth_connection_error wrapper (2 attempts by default, 10 for
// remove_pairing, 5 for the initial connect).
func retryTransport(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var transportErr *herrors.TransportError
		if !errors.As(err, &transportErr) {
			return err
		}
		if attempt < attempts {
			hlog.Log().Debugf("retrying after transient transport error (attempt %d/%d): %s", attempt, attempts, err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return err
			}
		}
	}
	return err
}

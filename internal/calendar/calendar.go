// Package calendar defines the contract every upstream event source
// implements. The sync pipeline only ever sees this interface.
package calendar

import (
	"context"
	"time"

	"doorsync/internal/model"
)

// EventSource yields booking instances for a UTC time window.
type EventSource interface {
	// CheckConnectivity reports whether the upstream is reachable with
	// the configured credentials.
	CheckConnectivity(ctx context.Context) bool

	// Events returns all instances whose start falls inside [from, to].
	// Instances with unparseable time fields are dropped at the source.
	Events(ctx context.Context, from, to time.Time) ([]model.Event, error)
}

// Package capture runs the replay capture pipeline: provisioning task slices,
// grabbing one frame per slice over RTSP replay, retrying failures, and
// back-filling per-minute frames once a batch is closed.
package capture

import "errors"

var (
	// ErrComboBusy means this (date, base, channel) run is already in flight.
	ErrComboBusy = errors.New("capture: combo already running")

	// ErrPoolSaturated means every combo slot is taken; try again later.
	ErrPoolSaturated = errors.New("capture: combo pool saturated")
)

package reservation

import "errors"

var (
	// ErrNoInventory is returned when no eligible number exists for the
	// requested service and country.
	ErrNoInventory = errors.New("no numbers available")

	// ErrNoAlternative is returned when a number change found no substitute;
	// the original reservation is preserved.
	ErrNoAlternative = errors.New("no alternative number available")

	// ErrInvalidState is returned when an operation targets a reservation
	// that is not waiting for a code.
	ErrInvalidState = errors.New("reservation is not waiting for a code")

	// ErrNotFound is returned when the reservation does not exist.
	ErrNotFound = errors.New("reservation not found")

	// ErrMaintenance is returned while the maintenance flag blocks new
	// reservations.
	ErrMaintenance = errors.New("reservations are paused for maintenance")

	// ErrUserBanned is returned when a banned user attempts to reserve.
	ErrUserBanned = errors.New("user is banned")
)

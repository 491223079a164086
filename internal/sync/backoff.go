package sync

import "time"

// ReconnectPolicy computes the wait before the next connection attempt
// from the number of consecutive failures. It holds no state and may be
// shared by all sessions.
type ReconnectPolicy struct {
	Floor   time.Duration
	Ceiling time.Duration
}

// DefaultReconnectPolicy doubles from 2s up to 60s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Floor: 2 * time.Second, Ceiling: 60 * time.Second}
}

// Delay returns min(Floor·2^(failures-1), Ceiling). Zero or negative
// failure counts get the floor.
func (p ReconnectPolicy) Delay(failures int) time.Duration {
	floor, ceiling := p.Floor, p.Ceiling
	if floor <= 0 {
		floor = DefaultReconnectPolicy().Floor
	}
	if ceiling < floor {
		ceiling = floor
	}
	if failures <= 1 {
		return floor
	}

	delay := floor
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

package proc

import (
	"math/rand/v2"
	"time"
)

// Queue helpers. Positions are 1-based as shown to users.

func containsTrack(queue []QueuedTrack, identifier string) bool {
	for _, t := range queue {
		if sameTrack(t.Identifier, identifier) {
			return true
		}
	}
	return false
}

// removeAt returns the queue without the track at pos, keeping the order of the rest.
func removeAt(queue []QueuedTrack, pos int) ([]QueuedTrack, QueuedTrack, error) {
	if pos < 1 || pos > len(queue) {
		return queue, QueuedTrack{}, ErrInvalidPosition
	}
	removed := queue[pos-1]
	out := make([]QueuedTrack, 0, len(queue)-1)
	out = append(out, queue[:pos-1]...)
	out = append(out, queue[pos:]...)
	return out, removed, nil
}

// shuffleTracks permutes the queue in place.
func shuffleTracks(queue []QueuedTrack, r *rand.Rand) error {
	if len(queue) < 2 {
		return ErrQueueTooShort
	}
	swap := func(i, j int) { queue[i], queue[j] = queue[j], queue[i] }
	if r != nil {
		r.Shuffle(len(queue), swap)
	} else {
		rand.Shuffle(len(queue), swap)
	}
	return nil
}

// promote moves the track at pos to the head of the queue.
func promote(queue []QueuedTrack, pos int) ([]QueuedTrack, QueuedTrack, error) {
	rest, t, err := removeAt(queue, pos)
	if err != nil {
		return queue, QueuedTrack{}, err
	}
	return append([]QueuedTrack{t}, rest...), t, nil
}

func queueDuration(queue []QueuedTrack) (total time.Duration, unknown int) {
	for _, t := range queue {
		if t.Duration <= 0 {
			unknown++
			continue
		}
		total += t.Duration
	}
	return total, unknown
}

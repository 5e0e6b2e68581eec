package testutil

import "github.com/0m3kk/eventually/eventsrc"

// Envelopes wraps events in envelopes without metadata.
func Envelopes[E eventsrc.Message](events ...E) []eventsrc.Envelope[E] {
	out := make([]eventsrc.Envelope[E], len(events))
	for i, evt := range events {
		out[i] = eventsrc.NewEnvelope(evt)
	}
	return out
}

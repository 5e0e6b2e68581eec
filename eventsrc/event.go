package eventsrc

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Metadata keys stamped by the stores on every appended event.
const (
	MetadataEventID    = "Event-Id"
	MetadataRecordedAt = "Recorded-At"
)

// Message is any domain message that can be recorded in an event stream.
type Message interface {
	// Name is the type tag stored alongside the serialized payload.
	Name() string
}

// Metadata carries string key/value pairs alongside a message.
type Metadata map[string]string

// With returns a copy of the metadata with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m)+1)
	maps.Copy(out, m)
	out[key] = value
	return out
}

// Envelope wraps a message with its metadata. Two envelopes carrying the same
// message are the same event regardless of metadata.
type Envelope[T Message] struct {
	Message  T
	Metadata Metadata
}

// NewEnvelope wraps msg with empty metadata.
func NewEnvelope[T Message](msg T) Envelope[T] {
	return Envelope[T]{Message: msg}
}

// WithMetadata returns a copy of the envelope with key set to value.
func (e Envelope[T]) WithMetadata(key, value string) Envelope[T] {
	e.Metadata = e.Metadata.With(key, value)
	return e
}

// Persisted is an event as read back from a store.
type Persisted[T Message] struct {
	StreamID string
	// Version is the 1-based position of the event in its stream.
	Version Version
	// SequenceNumber is the 0-based position of the event across the whole store.
	SequenceNumber uint64
	Envelope[T]
}

// ToPersisted assigns consecutive versions to events appended to a stream that
// was at version from. Sequence numbers are left at zero.
func ToPersisted[T Message](id string, from Version, events []Envelope[T]) []Persisted[T] {
	out := make([]Persisted[T], len(events))
	for i, evt := range events {
		out[i] = Persisted[T]{StreamID: id, Version: from + Version(i) + 1, Envelope: evt}
	}
	return out
}

// VersionSelect chooses the window of a stream to read.
type VersionSelect struct {
	from Version
}

// SelectAll reads a stream from its first event.
func SelectAll() VersionSelect {
	return VersionSelect{}
}

// SelectFrom reads a stream starting from version v, inclusive.
func SelectFrom(v Version) VersionSelect {
	return VersionSelect{from: v}
}

// From returns the lowest version included by the selection.
func (s VersionSelect) From() Version {
	return s.from
}

// Includes reports whether v falls inside the selection.
func (s VersionSelect) Includes(v Version) bool {
	return v >= s.from
}

// Stamp returns copies of events carrying a fresh event id and the recording time.
// Existing values for either key are kept.
func Stamp[T Message](events []Envelope[T], now time.Time) []Envelope[T] {
	out := make([]Envelope[T], len(events))
	recordedAt := now.UTC().Format(time.RFC3339Nano)
	for i, evt := range events {
		md := make(Metadata, len(evt.Metadata)+2)
		maps.Copy(md, evt.Metadata)
		if _, ok := md[MetadataEventID]; !ok {
			md[MetadataEventID] = uuid.NewString()
		}
		if _, ok := md[MetadataRecordedAt]; !ok {
			md[MetadataRecordedAt] = recordedAt
		}
		out[i] = Envelope[T]{Message: evt.Message, Metadata: md}
	}
	return out
}

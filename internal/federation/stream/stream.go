// Package stream defines the namespace+format subscription model shared by
// connections and the event router.
package stream

import (
	"fmt"

	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

// Status is the subscription state of a stream.
type Status string

const (
	// StatusActive marks a stream whose events flow normally.
	StatusActive Status = "active"

	// StatusPaused marks a stream paused by the holder of the record.
	StatusPaused Status = "paused"

	// StatusPausedExternal marks a stream paused by the peer. Only the
	// peer that issued the pause may clear it.
	StatusPausedExternal Status = "paused_external"
)

// Valid reports whether s is a known stream status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusPausedExternal:
		return true
	}
	return false
}

// Direction identifies which side of a connection a stream belongs to.
type Direction string

const (
	// DirectionInput covers streams flowing from the peer to this instance.
	DirectionInput Direction = "input"

	// DirectionOutput covers streams flowing from this instance to the peer.
	DirectionOutput Direction = "output"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInput || d == DirectionOutput
}

// Invert returns the complementary direction. The peer sees our output
// streams as its input streams and vice versa.
func (d Direction) Invert() Direction {
	if d == DirectionInput {
		return DirectionOutput
	}
	return DirectionInput
}

// Key identifies a stream by its namespace and format pair.
type Key struct {
	Namespace string
	Format    string
}

// Stream is one namespace+format subscription with its status.
type Stream struct {
	Namespace string `json:"namespace"`
	Format    string `json:"format"`
	Status    Status `json:"status"`
}

// Key returns the stream's identifying (namespace, format) pair.
func (s Stream) Key() Key {
	return Key{Namespace: s.Namespace, Format: s.Format}
}

// Update requests a status change for one existing stream.
type Update struct {
	Namespace string `json:"namespace"`
	Format    string `json:"format"`
	Status    Status `json:"status"`
}

// Key returns the update's identifying (namespace, format) pair.
func (u Update) Key() Key {
	return Key{Namespace: u.Namespace, Format: u.Format}
}

// Merge combines incoming into existing. Every entry of existing is kept
// unchanged; entries of incoming are appended only when their
// (namespace, format) key is absent from existing. Statuses of existing
// entries are never overwritten.
func Merge(existing, incoming []Stream) []Stream {
	merged := make([]Stream, 0, len(existing)+len(incoming))
	seen := make(map[Key]bool, len(existing))
	for _, s := range existing {
		merged = append(merged, s)
		seen[s.Key()] = true
	}
	for _, s := range incoming {
		if seen[s.Key()] {
			continue
		}
		merged = append(merged, s)
		seen[s.Key()] = true
	}
	return merged
}

// Resolve applies the stream transition rules and returns the status the
// stream should move to. The requested status comes from the update
// (active for resume, paused for pause); locallyIssued distinguishes an
// operator action on this instance from an update received from the peer.
func Resolve(current, requested Status, locallyIssued bool) (Status, error) {
	switch requested {
	case StatusActive:
		if !locallyIssued {
			return "", apperrors.New(apperrors.CodeStreamResumeExternal,
				"a stream can't be resumed externally")
		}
		if current == StatusPausedExternal {
			return "", apperrors.New(apperrors.CodeStreamPausedExternally,
				"a stream can't be resumed after it has been paused externally")
		}
	case StatusPaused:
	default:
		return "", apperrors.New(apperrors.CodeStreamInvalidStatus,
			fmt.Sprintf("stream status %q cannot be requested", requested))
	}

	next := requested
	if requested == StatusPaused && !locallyIssued {
		next = StatusPausedExternal
	}
	if next == current {
		return "", apperrors.WithMetadata(apperrors.CodeStreamStatusAlreadySet,
			"the stream status has already been set",
			map[string]string{"status": string(current)})
	}
	return next, nil
}

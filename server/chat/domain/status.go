package domain

import (
	"fmt"
	"strings"
)

// MessageStatus only moves forward: SENT -> DELIVERED -> READ.
type MessageStatus string

const (
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageRead      MessageStatus = "READ"
)

var messageStatusRank = map[MessageStatus]int{
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

func ParseMessageStatus(raw string) (MessageStatus, error) {
	s := MessageStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := messageStatusRank[s]; !ok {
		return "", fmt.Errorf("unknown message status %q", raw)
	}
	return s, nil
}

func (s MessageStatus) Rank() int {
	return messageStatusRank[s]
}

func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// CanAdvanceTo reports whether next is strictly ahead of s.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// Advance returns next when it moves the status forward, otherwise s unchanged and false.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, bool) {
	if !s.CanAdvanceTo(next) {
		return s, false
	}
	return next, true
}

// Predecessors lists the statuses that may transition to s.
func (s MessageStatus) Predecessors() []MessageStatus {
	out := make([]MessageStatus, 0, 2)
	for _, candidate := range []MessageStatus{MessageSent, MessageDelivered, MessageRead} {
		if candidate.CanAdvanceTo(s) {
			out = append(out, candidate)
		}
	}
	return out
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceAway    PresenceStatus = "AWAY"
	PresenceBusy    PresenceStatus = "BUSY"
	PresenceOffline PresenceStatus = "OFFLINE"
)

func ParsePresenceStatus(raw string) (PresenceStatus, error) {
	s := PresenceStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return s, nil
	default:
		return "", fmt.Errorf("status must be one of ONLINE|AWAY|BUSY|OFFLINE, got %q", raw)
	}
}

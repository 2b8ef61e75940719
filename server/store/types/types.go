// Package types defines the records held by a replica's Store: User and
// Message, plus the opaque identifiers that name them.
package types

import "github.com/google/uuid"

// Uid is an opaque 36-character identifier for a User or Message.
// Rendered from a collision-resistant 128-bit random value.
type Uid string

// ZeroUid is the absent/unset identifier.
const ZeroUid Uid = ""

// IsZero reports whether uid is unset.
func (uid Uid) IsZero() bool {
	return uid == ZeroUid
}

// NewUid generates a fresh random identifier.
func NewUid() Uid {
	return Uid(uuid.NewString())
}

// ParseUid validates and wraps a string id received over the wire.
func ParseUid(s string) (Uid, error) {
	if s == "" {
		return ZeroUid, nil
	}
	if _, err := uuid.Parse(s); err != nil {
		return ZeroUid, err
	}
	return Uid(s), nil
}

// User is a registered account. See spec §3: Active controls visibility;
// deletion tombstones the record rather than removing it.
type User struct {
	Uid Uid `json:"uid"`

	Username       string `json:"username"`
	PasswordDigest []byte `json:"password_digest"`
	Active         bool   `json:"active"`

	// SentMids / ReceivedMids preserve insertion order (send order).
	SentMids     []string `json:"sent_mids"`
	ReceivedMids []string `json:"received_mids"`
}

// Message is a single direct message from Sender to Receiver.
// SenderUsername/ReceiverUsername are denormalized copies captured at send
// time so clients can still render them after the account is deleted.
type Message struct {
	Mid Uid `json:"mid"`

	SenderUid   Uid `json:"sender_uid"`
	ReceiverUid Uid `json:"receiver_uid"`

	SenderUsername   string `json:"sender_username"`
	ReceiverUsername string `json:"receiver_username"`

	// Text is bounded to 280 code points; see chatlogic.MaxMessageRunes.
	Text string `json:"text"`

	// Timestamp is opaque to the core: assigned by the sender, ordered only
	// lexicographically, never parsed (spec §3).
	Timestamp string `json:"timestamp"`

	// ReceiverRead is monotonic false -> true.
	ReceiverRead bool `json:"receiver_read"`
}

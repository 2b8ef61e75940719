// Package chatlogic implements the pure, side-effect-free operations over a
// replica's store.State: authenticate, list accounts, send, fetch,
// mark-read, delete (spec §4.2).
//
// Every function here takes the State explicitly and returns a result; none
// of them touch a network connection, a file, or a clock side channel
// other than the caller-supplied timestamp. Locking the State against
// concurrent mutation is the caller's job (server package), per spec §5.
//
// Grounded on the original Python controller package (controller/login.py,
// controller/accounts.py, controller/messages.py): same operation
// boundaries, reimplemented with Go value/error returns instead of
// print-and-return-None.
package chatlogic

import (
	"errors"
	"path/filepath"
	"unicode/utf8"

	"github.com/replichat/chat/server/auth"
	"github.com/replichat/chat/server/store"
	"github.com/replichat/chat/server/store/types"
)

// MaxMessageRunes is the bound on Message.Text, in code points (spec §6).
const MaxMessageRunes = 280

// Sentinel errors, named after the error kinds in spec §7.
var (
	ErrUnknownUser       = errors.New("chatlogic: unknown user")
	ErrUnknownMessage    = errors.New("chatlogic: unknown message")
	ErrDuplicateUsername = errors.New("chatlogic: username already taken")
	ErrAuthFailed        = errors.New("chatlogic: authentication failed")
	ErrTextTooLong       = errors.New("chatlogic: message text exceeds 280 code points")
)

// CheckUsernameExists returns the uid of the active user with the given
// username, or types.ZeroUid if none exists.
func CheckUsernameExists(s *store.State, username string) types.Uid {
	for uid, u := range s.Users {
		if u.Active && u.Username == username {
			return uid
		}
	}
	return types.ZeroUid
}

// VerifyPassword reports whether digest matches the stored digest for uid.
// Returns ErrUnknownUser if uid is not present at all (active or not).
// digest is already the hashed form carried over the wire (spec §6's
// LoginPassword.password_digest); chatlogic never sees a plaintext
// password, so this is a constant-time byte comparison, not a hash.
func VerifyPassword(s *store.State, uid types.Uid, digest []byte) (bool, error) {
	u, ok := s.Users[uid]
	if !ok {
		return false, ErrUnknownUser
	}
	return auth.Equal(u.PasswordDigest, digest), nil
}

// CreateAccount creates a new active user with the given username,
// storing digest as-is (already hashed at the edge, per spec §4.2's
// create_account(username, digest)). Returns ErrDuplicateUsername if an
// active user already holds that username.
func CreateAccount(s *store.State, username string, digest []byte) (types.Uid, error) {
	if uid := CheckUsernameExists(s, username); !uid.IsZero() {
		return types.ZeroUid, ErrDuplicateUsername
	}

	uid := types.NewUid()
	s.Users[uid] = &types.User{
		Uid:            uid,
		Username:       username,
		PasswordDigest: digest,
		Active:         true,
	}
	return uid, nil
}

// ListAccounts returns the usernames of every active user matching glob
// (default "*"), using standard filename-glob semantics (spec §4.2).
func ListAccounts(s *store.State, glob string) ([]string, error) {
	if glob == "" {
		glob = "*"
	}
	var out []string
	for _, u := range s.Users {
		if !u.Active {
			continue
		}
		ok, err := filepath.Match(glob, u.Username)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, u.Username)
		}
	}
	return out, nil
}

// SendMessage creates a message from sender to the active user named
// receiverUsername. Returns false if no such active user exists, or
// ErrTextTooLong if text exceeds MaxMessageRunes.
func SendMessage(s *store.State, senderUid types.Uid, receiverUsername, text, timestamp string) (bool, error) {
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		return false, ErrTextTooLong
	}

	sender, ok := s.Users[senderUid]
	if !ok {
		return false, ErrUnknownUser
	}

	var receiver *types.User
	for _, u := range s.Users {
		if u.Active && u.Username == receiverUsername {
			receiver = u
			break
		}
	}
	if receiver == nil {
		return false, nil
	}

	mid := types.NewUid()
	s.Messages[mid] = &types.Message{
		Mid:              mid,
		SenderUid:        senderUid,
		ReceiverUid:      receiver.Uid,
		SenderUsername:   sender.Username,
		ReceiverUsername: receiverUsername,
		Text:             text,
		Timestamp:        timestamp,
		ReceiverRead:     false,
	}
	sender.SentMids = append(sender.SentMids, string(mid))
	receiver.ReceivedMids = append(receiver.ReceivedMids, string(mid))

	return true, nil
}

// GetSentMids returns the mids sent by uid, in send order.
func GetSentMids(s *store.State, uid types.Uid) ([]string, error) {
	u, ok := s.Users[uid]
	if !ok {
		return nil, ErrUnknownUser
	}
	return u.SentMids, nil
}

// GetReceivedMids returns the mids received by uid, in send order.
func GetReceivedMids(s *store.State, uid types.Uid) ([]string, error) {
	u, ok := s.Users[uid]
	if !ok {
		return nil, ErrUnknownUser
	}
	return u.ReceivedMids, nil
}

// GetMessage returns the message with the given mid, or
// (nil, ErrUnknownMessage) if it does not exist.
func GetMessage(s *store.State, mid types.Uid) (*types.Message, error) {
	m, ok := s.Messages[mid]
	if !ok {
		return nil, ErrUnknownMessage
	}
	return m, nil
}

// MarkRead sets receiver_read to true on the given message. Returns false
// if the mid is unknown. Idempotent: a second call is a no-op that still
// reports success; receiver_read only ever moves from false to true.
func MarkRead(s *store.State, mid types.Uid) bool {
	m, ok := s.Messages[mid]
	if !ok {
		return false
	}
	m.ReceiverRead = true
	return true
}

// DeleteMessages removes each of mids from uid's sent and received lists.
// The message record itself is left in place (see spec §9: per-side
// unlink). success is false if any mid in mids was not present in the
// message map at all, though mids that were found are still unlinked
// (partial success is reported through both return values).
func DeleteMessages(s *store.State, uid types.Uid, mids []string) (success bool, deleted []string) {
	u, ok := s.Users[uid]
	if !ok {
		return false, nil
	}

	success = true
	for _, mid := range mids {
		if _, ok := s.Messages[types.Uid(mid)]; !ok {
			success = false
			continue
		}
		u.SentMids = removeMid(u.SentMids, mid)
		u.ReceivedMids = removeMid(u.ReceivedMids, mid)
		deleted = append(deleted, mid)
	}
	return success, deleted
}

func removeMid(mids []string, target string) []string {
	out := mids[:0]
	for _, m := range mids {
		if m != target {
			out = append(out, m)
		}
	}
	return out
}

// DeleteAccount tombstones the user: Active becomes false, the record is
// never physically removed. Idempotent: deleting an already-inactive
// account still returns nil. Returns ErrUnknownUser if uid is unknown.
func DeleteAccount(s *store.State, uid types.Uid) error {
	u, ok := s.Users[uid]
	if !ok {
		return ErrUnknownUser
	}
	u.Active = false
	return nil
}

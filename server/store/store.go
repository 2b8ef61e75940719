// Package store holds the authoritative in-memory state of a single
// replica and persists it atomically to a pair of snapshot files.
//
// Adapter is a plain load/save interface over a persistence backend,
// trimmed to exactly the two maps this design needs: no topics,
// subscriptions, devices, or file records -- those belong to a pub/sub
// chat system this design does not have.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/replichat/chat/server/store/types"
)

// State is the full in-memory content of a replica: all users and all
// messages, keyed by their ids.
type State struct {
	Users    map[types.Uid]*types.User
	Messages map[types.Uid]*types.Message
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		Users:    make(map[types.Uid]*types.User),
		Messages: make(map[types.Uid]*types.Message),
	}
}

// Clone returns a deep copy, used when handing a State to a background
// sender so the caller's lock need not be held for the duration of the I/O.
func (s *State) Clone() *State {
	out := NewState()
	for k, v := range s.Users {
		u := *v
		u.SentMids = append([]string(nil), v.SentMids...)
		u.ReceivedMids = append([]string(nil), v.ReceivedMids...)
		out.Users[k] = &u
	}
	for k, v := range s.Messages {
		m := *v
		out.Messages[k] = &m
	}
	return out
}

// Adapter is the interface a persistence backend must implement.
// FileAdapter below is the only implementation this spec calls for
// (spec §4.1: two flat snapshot files per replica, atomic temp+rename).
type Adapter interface {
	// Load reads the two snapshot files for address. A missing file yields
	// an empty map; a file that exists but cannot be decoded is
	// ErrCorruptSnapshot.
	Load(address string) (*State, error)
	// Save atomically persists the given state under address.
	Save(address string, state *State) error
}

// ErrCorruptSnapshot is returned by Load when a snapshot file exists but
// cannot be decoded.
type ErrCorruptSnapshot struct {
	Path string
	Err  error
}

func (e *ErrCorruptSnapshot) Error() string {
	return fmt.Sprintf("store: corrupt snapshot %s: %v", e.Path, e.Err)
}

func (e *ErrCorruptSnapshot) Unwrap() error { return e.Err }

// FileAdapter persists snapshots as gob-encoded files on the local disk,
// one per map, named after the sanitized replica address.
type FileAdapter struct {
	Dir string
}

// NewFileAdapter returns a FileAdapter rooted at dir. The directory is
// created if it does not already exist.
func NewFileAdapter(dir string) (*FileAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FileAdapter{Dir: dir}, nil
}

func sanitize(address string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return r.Replace(address)
}

func (a *FileAdapter) usersPath(address string) string {
	return filepath.Join(a.Dir, sanitize(address)+".users.gob")
}

func (a *FileAdapter) messagesPath(address string) string {
	return filepath.Join(a.Dir, sanitize(address)+".messages.gob")
}

func loadMap(path string, into interface{}) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(into); err != nil {
		return &ErrCorruptSnapshot{Path: path, Err: err}
	}
	return nil
}

// Load implements Adapter.
func (a *FileAdapter) Load(address string) (*State, error) {
	state := NewState()

	if err := loadMap(a.usersPath(address), &state.Users); err != nil {
		return nil, err
	}
	if err := loadMap(a.messagesPath(address), &state.Messages); err != nil {
		return nil, err
	}
	return state, nil
}

// Save implements Adapter. It writes each map to a temporary file in the
// same directory and renames it over the target, so a crash mid-write
// never leaves a truncated snapshot (spec §4.1).
func (a *FileAdapter) Save(address string, state *State) error {
	if err := saveMap(a.usersPath(address), state.Users); err != nil {
		return err
	}
	if err := saveMap(a.messagesPath(address), state.Messages); err != nil {
		return err
	}
	return nil
}

func saveMap(path string, m interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-snapshot-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}

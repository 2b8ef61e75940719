// Package replication implements the primary-backup replication subsystem
// described in spec §4.3/§4.4: leader/follower roles, the join protocol,
// whole-snapshot fan-out on every mutation, heartbeats, and deterministic
// failover.
//
// A consistent-hash ring routing per-topic traffic across many masters
// collapses, in a design with exactly one logical master (the whole
// store) and exactly one leader at a time, to just "the leader" --
// membership rehash on ring change becomes recomputing replica-list
// membership on leader change.
package replication

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/replichat/chat/server/rpclimit"
	"github.com/replichat/chat/server/store"
	"github.com/replichat/chat/server/store/types"
)

// ErrNotLeader is returned by Mutate when called on a follower. The RPC
// dispatcher turns this into the wire-level NotLeader response carrying
// the current leader address (spec §7).
var ErrNotLeader = errors.New("replication: not leader")

// EventKind classifies an Engine lifecycle event.
type EventKind int

// Event kinds emitted to an optional observer (the admin package's
// websocket feed).
const (
	EventMemberJoined EventKind = iota
	EventMemberRemoved
	EventLeaderChanged
)

// Event describes a single membership or leadership change.
type Event struct {
	Kind      EventKind
	Address   string
	Timestamp time.Time
}

// MetricsSink receives replication-level counters. Implemented by the
// metrics package; kept as a narrow interface here to avoid an import
// cycle.
type MetricsSink interface {
	SetIsLeader(bool)
	SetReplicaCount(int)
	IncHeartbeatFailure()
	ObserveSnapshotSave(error)
}

// Engine is the replication state of one replica process.
type Engine struct {
	// Address is this replica's own host:port, used both as identity and
	// as the election key (spec §3).
	Address string

	// HeartbeatInterval is the shared period T for both timer loops.
	HeartbeatInterval time.Duration
	// CallTimeout bounds every outbound RPC; must be strictly less than
	// HeartbeatInterval (spec §5) so a slow peer cannot wedge the caller.
	CallTimeout time.Duration

	Adapter store.Adapter

	// mu is the single coarse lock spec §5 requires: it protects State,
	// members and the leader/follower role together, held for the
	// duration of each mutation including the snapshot write and fan-out.
	mu      sync.RWMutex
	state   *store.State
	members map[string]struct{}
	nodes   map[string]*Node

	isLeader   bool
	leaderAddr string

	onEvent func(Event)
	metrics MetricsSink

	// limiter bounds how many of this Engine's exported RPC methods
	// (RegisterReplica, Sync*FromLeader, Heartbeat) run at once, shared
	// with the client-facing ChatService dispatch in the same process so
	// the whole RPC server has one worker pool, not one per service.
	limiter *rpclimit.Limiter

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config bundles Engine construction parameters.
type Config struct {
	Address           string
	IsLeader          bool
	LeaderAddr        string
	Adapter           store.Adapter
	State             *store.State
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	OnEvent           func(Event)
	Metrics           MetricsSink
	// Limiter bounds concurrent RPC handler dispatch (spec §5: a bounded
	// worker pool, default 10). Nil means "use a private pool of
	// rpclimit.DefaultSize", which is fine for an Engine used on its own
	// (tests, or a process with no separate ChatService); server/main.go
	// passes one shared Limiter to both this Engine and ChatService so
	// the two services draw from the same pool.
	Limiter *rpclimit.Limiter
}

// New constructs an Engine from cfg. The returned Engine is not yet
// running; call Start.
func New(cfg Config) *Engine {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rpclimit.New(rpclimit.DefaultSize)
	}
	e := &Engine{
		Address:           cfg.Address,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CallTimeout:       cfg.CallTimeout,
		Adapter:           cfg.Adapter,
		state:             cfg.State,
		members:           make(map[string]struct{}),
		nodes:             make(map[string]*Node),
		isLeader:          cfg.IsLeader,
		leaderAddr:        cfg.LeaderAddr,
		onEvent:           cfg.OnEvent,
		metrics:           cfg.Metrics,
		limiter:           limiter,
		stop:              make(chan struct{}),
	}
	if e.isLeader {
		e.members[e.Address] = struct{}{}
		e.leaderAddr = e.Address
	}
	return e
}

// SetEventObserver installs fn as the sink for lifecycle events (member
// joined/removed, leader changed). Intended to be called once during
// bootstrap, before Start, by the admin package so it can fan events out
// to connected websocket clients.
func (e *Engine) SetEventObserver(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

func (e *Engine) emit(kind EventKind, address string) {
	e.mu.RLock()
	fn := e.onEvent
	e.mu.RUnlock()
	if fn != nil {
		fn(Event{Kind: kind, Address: address, Timestamp: time.Now()})
	}
}

func (e *Engine) recordRole() {
	if e.metrics != nil {
		e.metrics.SetIsLeader(e.isLeader)
		e.metrics.SetReplicaCount(len(e.members))
	}
}

// IsLeader reports the current role.
func (e *Engine) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// LeaderAddr reports the address currently believed to be the leader.
func (e *Engine) LeaderAddr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderAddr
}

// Members returns a sorted snapshot of the current replica list.
func (e *Engine) Members() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.members)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// nodeFor returns (creating if needed) the Node used to reach address.
// Caller must hold e.mu for writing, since a new Node is stored in e.nodes.
func (e *Engine) nodeFor(address string) *Node {
	if n, ok := e.nodes[address]; ok {
		return n
	}
	n := NewNode(address, e.CallTimeout)
	e.nodes[address] = n
	return n
}

// Start launches the background heartbeat loop appropriate to the
// replica's current role (spec §4.4: two independent periodic loops).
func (e *Engine) Start() {
	e.mu.RLock()
	leading := e.isLeader
	e.mu.RUnlock()

	if leading {
		e.startLeaderLoop()
	} else {
		e.startFollowerLoop()
	}
}

// Shutdown stops all background loops and closes peer connections.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.nodes {
		n.Close()
	}
}

// Read runs fn with the state locked for reading. Used both by the leader
// and (per the open question in spec §9, resolved in DESIGN.md) by
// followers serving local read-only queries.
func (e *Engine) Read(fn func(*store.State)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.state)
}

// Mutate runs fn against the locked state, persists the result, and fans
// the new snapshot out to every live follower, all while holding the
// single coarse lock (spec §5). It returns ErrNotLeader if this replica
// is not currently the leader.
//
// The lock is held across the whole fan-out rather than released after
// "kickoff": spec §5's ordering guarantee (b), that followers observe
// mutations in the same total order the leader applied them, is only
// automatic if one mutation's fan-out fully completes before the next
// mutation's lock acquisition succeeds. Per-follower calls within one
// fan-out still run concurrently; only fan-outs across different
// mutations are serialized.
func (e *Engine) Mutate(fn func(*store.State) (touchedUsers, touchedMessages bool, err error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return ErrNotLeader
	}

	touchedUsers, touchedMessages, err := fn(e.state)
	if err != nil {
		return err
	}

	serr := e.Adapter.Save(e.Address, e.state)
	if e.metrics != nil {
		e.metrics.ObserveSnapshotSave(serr)
	}
	if serr != nil {
		// IOError on save is logged; the in-memory change stands and the
		// next successful save supersedes it (spec §4.1, §7).
		log.Println("replication: snapshot save failed:", serr)
	}

	e.fanOut(touchedUsers, touchedMessages)
	return nil
}

// fanOut pushes the current state to every follower in parallel. Caller
// must hold e.mu for writing. Failures are logged and otherwise ignored
// here; a follower that cannot be reached is pruned by the heartbeat
// loop, not by the fan-out path itself (spec §4.3: "nothing is retried in
// band").
func (e *Engine) fanOut(touchedUsers, touchedMessages bool) {
	snapshot := e.state.Clone()
	addresses := sortedKeys(e.members)

	var wg sync.WaitGroup
	for _, addr := range addresses {
		if addr == e.Address {
			continue
		}
		node := e.nodeFor(addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.pushState(node, snapshot, touchedUsers, touchedMessages)
		}()
	}
	wg.Wait()
}

// pushState sends the touched parts of snapshot to node. Errors are
// logged; the heartbeat loop is responsible for pruning unreachable
// followers.
func (e *Engine) pushState(node *Node, snapshot *store.State, touchedUsers, touchedMessages bool) {
	if touchedUsers {
		args := &SyncUsersArgs{Users: make([]*types.User, 0, len(snapshot.Users))}
		for _, u := range snapshot.Users {
			args.Users = append(args.Users, u)
		}
		var reply SyncReply
		if err := node.Call("Replication.SyncUsersFromLeader", args, &reply, e.CallTimeout); err != nil {
			log.Println("replication: push users to", node.Address(), "failed:", err)
		}
	}
	if touchedMessages {
		args := &SyncMessagesArgs{Messages: make([]*types.Message, 0, len(snapshot.Messages))}
		for _, m := range snapshot.Messages {
			args.Messages = append(args.Messages, m)
		}
		var reply SyncReply
		if err := node.Call("Replication.SyncMessagesFromLeader", args, &reply, e.CallTimeout); err != nil {
			log.Println("replication: push messages to", node.Address(), "failed:", err)
		}
	}
}

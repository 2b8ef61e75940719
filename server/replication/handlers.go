package replication

import (
	"log"

	"github.com/replichat/chat/server/store/types"
)

// These five methods are the net/rpc-exported surface of the replication
// service (spec §6): RegisterReplica, SyncMessagesFromLeader,
// SyncUsersFromLeader, SyncReplicaListFromLeader, Heartbeat. The server
// package registers *Engine under the service name "Replication" via
// rpc.RegisterName, so callers dial "Replication.RegisterReplica" etc.
//
// Each one runs behind e.limiter (spec §5's bounded worker pool, default
// 10): net/rpc's own Accept loop spawns one goroutine per inbound call
// with no cap of its own, so the cap has to live at method dispatch
// instead. The limiter is acquired for the whole method body, including
// any outbound calls a handler itself makes to other replicas, so one
// slow downstream call occupies one pool slot rather than spawning
// unbounded extra work.

// RegisterReplica implements the leader side of the join protocol
// (spec §4.3 step 2): add the caller, push it full state, and push the
// updated replica list to the rest of the group.
//
// The updated list is pushed to the new follower too, not just the
// rest of the group: leaving it blind to its own peers would prevent it
// from ever correctly running a future election, which depends on
// every live follower agreeing on the same replica list. See DESIGN.md.
func (e *Engine) RegisterReplica(args *RegisterReplicaArgs, reply *RegisterReplicaReply) error {
	return e.limiter.Run(func() error {
		e.mu.Lock()
		if !e.isLeader {
			e.mu.Unlock()
			reply.Success = false
			return ErrNotLeader
		}

		_, already := e.members[args.Address]
		e.members[args.Address] = struct{}{}
		node := e.nodeFor(args.Address)
		snapshot := e.state.Clone()
		members := sortedKeys(e.members)
		e.recordRole()
		e.mu.Unlock()

		if !already {
			e.emit(EventMemberJoined, args.Address)
		}

		e.pushState(node, snapshot, true, true)

		listArgs := &SyncReplicaListArgs{Addresses: members}
		for _, addr := range members {
			if addr == e.Address {
				continue
			}
			var listReply SyncReply
			n := e.nodeOrCreate(addr)
			if err := n.Call("Replication.SyncReplicaListFromLeader", listArgs, &listReply, e.CallTimeout); err != nil {
				log.Println("replication: push replica list to", addr, "failed:", err)
			}
		}

		reply.Success = true
		return nil
	})
}

// SyncUsersFromLeader wholesale-replaces the local users map and persists
// it, per spec §4.3 step 3.
func (e *Engine) SyncUsersFromLeader(args *SyncUsersArgs, reply *SyncReply) error {
	return e.limiter.Run(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		users := make(map[types.Uid]*types.User, len(args.Users))
		for _, u := range args.Users {
			users[u.Uid] = u
		}
		e.state.Users = users

		err := e.Adapter.Save(e.Address, e.state)
		if e.metrics != nil {
			e.metrics.ObserveSnapshotSave(err)
		}
		if err != nil {
			log.Println("replication: snapshot save failed:", err)
		}
		reply.Success = true
		return nil
	})
}

// SyncMessagesFromLeader wholesale-replaces the local messages map and
// persists it, per spec §4.3 step 3.
func (e *Engine) SyncMessagesFromLeader(args *SyncMessagesArgs, reply *SyncReply) error {
	return e.limiter.Run(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		messages := make(map[types.Uid]*types.Message, len(args.Messages))
		for _, m := range args.Messages {
			messages[m.Mid] = m
		}
		e.state.Messages = messages

		err := e.Adapter.Save(e.Address, e.state)
		if e.metrics != nil {
			e.metrics.ObserveSnapshotSave(err)
		}
		if err != nil {
			log.Println("replication: snapshot save failed:", err)
		}
		reply.Success = true
		return nil
	})
}

// SyncReplicaListFromLeader wholesale-replaces the locally known replica
// list (spec §4.3 step 2c, §4.4 election correctness).
func (e *Engine) SyncReplicaListFromLeader(args *SyncReplicaListArgs, reply *SyncReply) error {
	return e.limiter.Run(func() error {
		e.mu.Lock()
		next := make(map[string]struct{}, len(args.Addresses))
		for _, a := range args.Addresses {
			next[a] = struct{}{}
		}
		e.members = next
		e.recordRole()
		e.mu.Unlock()

		reply.Success = true
		return nil
	})
}

// Heartbeat always reports success and must not contend for the state
// lock beyond this trivial check (spec §5c). It still waits on the
// shared worker-pool slot like every other handler, but never holds
// that slot for long since the body does no locking or I/O.
func (e *Engine) Heartbeat(args *HeartbeatArgs, reply *HeartbeatReply) error {
	return e.limiter.Run(func() error {
		reply.Success = true
		return nil
	})
}

// Join sends RegisterReplica(self) to leaderAddr, the follower side of
// the join protocol (spec §4.3 step 1).
func (e *Engine) Join(leaderAddr string) error {
	e.mu.Lock()
	e.leaderAddr = leaderAddr
	node := e.nodeFor(leaderAddr)
	e.mu.Unlock()

	args := &RegisterReplicaArgs{Address: e.Address}
	var reply RegisterReplicaReply
	if err := node.Call("Replication.RegisterReplica", args, &reply, e.CallTimeout); err != nil {
		return err
	}
	if !reply.Success {
		return ErrNotLeader
	}
	return nil
}

// LoadLocalState re-reads the persisted snapshot into the engine, used at
// startup before Join (spec §4.3 step 1: "a follower starts, loads its
// local snapshots, and sends RegisterReplica").
func (e *Engine) LoadLocalState() error {
	state, err := e.Adapter.Load(e.Address)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return nil
}

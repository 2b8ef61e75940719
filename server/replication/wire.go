package replication

import "github.com/replichat/chat/server/store/types"

// Request/response pairs for the replication RPC surface (spec §6):
// RegisterReplica, SyncMessagesFromLeader, SyncUsersFromLeader,
// SyncReplicaListFromLeader, Heartbeat. The bootstrap in server/main.go
// registers *Engine under the net/rpc service name "Replication".

// RegisterReplicaArgs is sent by a follower joining the cluster.
type RegisterReplicaArgs struct {
	Address string
}

// RegisterReplicaReply acknowledges registration; no body beyond success
// per spec §4.3 step 2d.
type RegisterReplicaReply struct {
	Success bool
}

// SyncUsersArgs carries a full replacement of the users map.
type SyncUsersArgs struct {
	Users []*types.User
}

// SyncMessagesArgs carries a full replacement of the messages map.
type SyncMessagesArgs struct {
	Messages []*types.Message
}

// SyncReplicaListArgs carries a full replacement of the known-live
// replica set.
type SyncReplicaListArgs struct {
	Addresses []string
}

// SyncReply is the uniform reply for all three Sync* calls.
type SyncReply struct {
	Success bool
}

// HeartbeatArgs identifies the caller.
type HeartbeatArgs struct {
	Address string
}

// HeartbeatReply is always Success: true (spec §5c: Heartbeat returns
// success unconditionally and must not contend for the state lock).
type HeartbeatReply struct {
	Success bool
}

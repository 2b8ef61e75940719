package replication

import (
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/replichat/chat/server/rpclimit"
	"github.com/replichat/chat/server/store"
	"github.com/replichat/chat/server/store/types"
)

// listenAndServe registers svc under name "Replication" and serves it on a
// loopback listener, mirroring server/main.go's own
// rpc.RegisterName("Replication", engine) + rpc.Accept(listener) wiring.
// The listener is closed on test cleanup.
func listenAndServe(t *testing.T, svc *Engine) string {
	t.Helper()

	server := rpc.NewServer()
	if err := server.RegisterName("Replication", svc); err != nil {
		t.Fatalf("RegisterName: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go server.Accept(ln)
	return ln.Addr().String()
}

func newFollowerEngine(address string, adapter store.Adapter) *Engine {
	return New(Config{
		Address:           address,
		IsLeader:          false,
		Adapter:           adapter,
		State:             store.NewState(),
		HeartbeatInterval: time.Hour,
		CallTimeout:       5 * time.Second,
	})
}

// TestRegisterReplicaJoinsAndPushesFullState exercises the join protocol
// (spec §4.3 steps 2-3) over a real net/rpc connection: a follower with a
// real listener is registered on a leader that already holds state, and
// the leader's RegisterReplica handler is expected to add the follower as
// a member and push it the leader's full users and messages snapshot.
func TestRegisterReplicaJoinsAndPushesFullState(t *testing.T) {
	leader := newLeaderEngine(&fakeAdapter{}, nil)
	defer leader.Shutdown()

	uid := types.NewUid()
	if err := leader.Mutate(func(s *store.State) (bool, bool, error) {
		s.Users[uid] = &types.User{Uid: uid, Username: "alice", Active: true}
		return true, false, nil
	}); err != nil {
		t.Fatalf("seed Mutate: %v", err)
	}
	mid := types.NewUid()
	if err := leader.Mutate(func(s *store.State) (bool, bool, error) {
		s.Messages[mid] = &types.Message{Mid: mid, SenderUid: uid, Text: "hi", Timestamp: "t0"}
		return false, true, nil
	}); err != nil {
		t.Fatalf("seed Mutate: %v", err)
	}

	followerAdapter := &fakeAdapter{}
	follower := newFollowerEngine("", followerAdapter)
	followerAddr := listenAndServe(t, follower)
	follower.Address = followerAddr
	defer follower.Shutdown()

	var events []Event
	leader.SetEventObserver(func(ev Event) { events = append(events, ev) })

	args := &RegisterReplicaArgs{Address: followerAddr}
	var reply RegisterReplicaReply
	if err := leader.RegisterReplica(args, &reply); err != nil {
		t.Fatalf("RegisterReplica: %v", err)
	}
	if !reply.Success {
		t.Fatal("expected RegisterReplica to succeed against a leader")
	}

	if members := leader.Members(); len(members) != 2 {
		t.Fatalf("expected leader to have 2 members after join, got %v", members)
	}
	if len(events) != 1 || events[0].Kind != EventMemberJoined || events[0].Address != followerAddr {
		t.Fatalf("expected one EventMemberJoined for %s, got %v", followerAddr, events)
	}

	// pushState's outbound calls land on the follower's real net/rpc
	// listener asynchronously relative to RegisterReplica's own return,
	// but RegisterReplica only replies after pushState's calls complete
	// (it is not fire-and-forget), so the follower's state is already
	// settled here.
	var leaderState, followerState *store.State
	leader.Read(func(s *store.State) { leaderState = s.Clone() })
	follower.Read(func(s *store.State) { followerState = s.Clone() })

	if diff := cmp.Diff(leaderState, followerState); diff != "" {
		t.Fatalf("leader state pushed to follower does not round-trip (-leader +follower):\n%s", diff)
	}
	if followerAdapter.saves == 0 {
		t.Fatal("expected the follower's Sync*FromLeader handlers to persist via its adapter")
	}
}

// TestSyncReplicaListFromLeaderReplacesMembership exercises spec §4.3 step
// 2c / §4.4: a follower's replica list is wholesale-replaced, not merged,
// by a SyncReplicaListFromLeader call.
func TestSyncReplicaListFromLeaderReplacesMembership(t *testing.T) {
	follower := newFollowerEngine("node-b:9000", &fakeAdapter{})
	follower.members["stale:9000"] = struct{}{}
	defer follower.Shutdown()

	args := &SyncReplicaListArgs{Addresses: []string{"node-a:9000", "node-b:9000", "node-c:9000"}}
	var reply SyncReply
	if err := follower.SyncReplicaListFromLeader(args, &reply); err != nil {
		t.Fatalf("SyncReplicaListFromLeader: %v", err)
	}
	if !reply.Success {
		t.Fatal("expected success")
	}

	members := follower.Members()
	if len(members) != 3 {
		t.Fatalf("expected the stale member to be dropped, got %v", members)
	}
	for _, want := range []string{"node-a:9000", "node-b:9000", "node-c:9000"} {
		found := false
		for _, got := range members {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s in %v", want, members)
		}
	}
}

// TestSyncUsersAndMessagesFromLeaderWholesaleReplace checks that a Sync
// call replaces the whole map rather than merging into it, and persists
// the result via the adapter (spec §4.3 step 3).
func TestSyncUsersAndMessagesFromLeaderWholesaleReplace(t *testing.T) {
	adapter := &fakeAdapter{}
	follower := newFollowerEngine("node-b:9000", adapter)
	defer follower.Shutdown()

	staleUid := types.NewUid()
	follower.state.Users[staleUid] = &types.User{Uid: staleUid, Username: "stale"}

	newUid := types.NewUid()
	usersArgs := &SyncUsersArgs{Users: []*types.User{{Uid: newUid, Username: "alice", Active: true}}}
	var usersReply SyncReply
	if err := follower.SyncUsersFromLeader(usersArgs, &usersReply); err != nil {
		t.Fatalf("SyncUsersFromLeader: %v", err)
	}
	if !usersReply.Success {
		t.Fatal("expected success")
	}

	follower.Read(func(s *store.State) {
		if len(s.Users) != 1 {
			t.Fatalf("expected the stale user to be replaced, got %d users", len(s.Users))
		}
		if _, ok := s.Users[newUid]; !ok {
			t.Fatal("expected the new user to be present")
		}
	})

	mid := types.NewUid()
	messagesArgs := &SyncMessagesArgs{Messages: []*types.Message{{Mid: mid, SenderUid: newUid, Text: "hi"}}}
	var messagesReply SyncReply
	if err := follower.SyncMessagesFromLeader(messagesArgs, &messagesReply); err != nil {
		t.Fatalf("SyncMessagesFromLeader: %v", err)
	}
	if !messagesReply.Success {
		t.Fatal("expected success")
	}

	follower.Read(func(s *store.State) {
		if len(s.Messages) != 1 {
			t.Fatalf("expected exactly one message, got %d", len(s.Messages))
		}
	})

	if adapter.saves != 2 {
		t.Fatalf("expected each Sync call to persist once, got %d saves", adapter.saves)
	}
}

// TestRegisterReplicaOnFollowerFailsWithErrNotLeader covers the negative
// path: a non-leader replica must refuse RegisterReplica rather than
// silently accepting a peer it cannot answer for.
func TestRegisterReplicaOnFollowerFailsWithErrNotLeader(t *testing.T) {
	follower := newFollowerEngine("node-b:9000", &fakeAdapter{})
	defer follower.Shutdown()

	args := &RegisterReplicaArgs{Address: "node-c:9000"}
	var reply RegisterReplicaReply
	err := follower.RegisterReplica(args, &reply)
	if err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
	if reply.Success {
		t.Fatal("expected Success false")
	}
}

// TestHeartbeatAlwaysSucceeds covers spec §5c: Heartbeat never fails and
// never needs the caller to hold anything beyond the RPC pool slot.
func TestHeartbeatAlwaysSucceeds(t *testing.T) {
	e := newLeaderEngine(&fakeAdapter{}, nil)
	defer e.Shutdown()

	var reply HeartbeatReply
	if err := e.Heartbeat(&HeartbeatArgs{Address: "node-b:9000"}, &reply); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !reply.Success {
		t.Fatal("expected Success true")
	}
}

// TestJoinSendsRegisterReplicaToLeader exercises the follower side of the
// join protocol (spec §4.3 step 1) over a real net/rpc connection.
func TestJoinSendsRegisterReplicaToLeader(t *testing.T) {
	leader := newLeaderEngine(&fakeAdapter{}, nil)
	defer leader.Shutdown()
	leaderAddr := listenAndServe(t, leader)
	leader.Address = leaderAddr
	leader.members = map[string]struct{}{leaderAddr: {}}
	leader.leaderAddr = leaderAddr

	follower := newFollowerEngine("node-b:9000", &fakeAdapter{})
	defer follower.Shutdown()

	if err := follower.Join(leaderAddr); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if follower.LeaderAddr() != leaderAddr {
		t.Fatalf("expected follower's LeaderAddr to be %s, got %q", leaderAddr, follower.LeaderAddr())
	}

	members := leader.Members()
	found := false
	for _, m := range members {
		if m == "node-b:9000" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected leader to have registered node-b:9000, got %v", members)
	}
}

// TestRPCHandlersRespectLimiter confirms the exported handlers actually
// run behind the shared pool: filling the limiter's slots blocks a
// further handler call until a slot is released (spec §5's bounded
// worker pool).
func TestRPCHandlersRespectLimiter(t *testing.T) {
	e := newLeaderEngine(&fakeAdapter{}, nil)
	defer e.Shutdown()
	e.limiter = rpclimit.New(1)

	e.limiter.Acquire()
	done := make(chan struct{})
	go func() {
		var reply HeartbeatReply
		e.Heartbeat(&HeartbeatArgs{}, &reply)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected Heartbeat to block while the only pool slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	e.limiter.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Heartbeat to complete once the pool slot freed up")
	}
}

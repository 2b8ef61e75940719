package main

import (
	"sync"
	"testing"
	"time"

	"github.com/replichat/chat/server/replication"
	"github.com/replichat/chat/server/store"
	"github.com/replichat/chat/server/store/types"
)

// fakeAdapter is an in-memory store.Adapter stand-in, mirroring the one
// used by the replication package's own tests, so ChatService tests never
// touch disk.
type fakeAdapter struct {
	mu    sync.Mutex
	saves int
}

func (a *fakeAdapter) Load(address string) (*store.State, error) {
	return store.NewState(), nil
}

func (a *fakeAdapter) Save(address string, state *store.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saves++
	return nil
}

func newLeaderChatService() (*ChatService, *replication.Engine) {
	engine := replication.New(replication.Config{
		Address:           "node-a:9000",
		IsLeader:          true,
		Adapter:           &fakeAdapter{},
		State:             store.NewState(),
		HeartbeatInterval: time.Hour,
		CallTimeout:       time.Minute,
	})
	return NewChatService(engine, nil, nil), engine
}

func newFollowerChatService() (*ChatService, *replication.Engine) {
	engine := replication.New(replication.Config{
		Address:           "node-b:9000",
		IsLeader:          false,
		LeaderAddr:        "node-a:9000",
		Adapter:           &fakeAdapter{},
		State:             store.NewState(),
		HeartbeatInterval: time.Hour,
		CallTimeout:       time.Minute,
	})
	return NewChatService(engine, nil, nil), engine
}

// TestLoginPasswordCreatesUnknownUsername covers the create-vs-verify
// branch in spec §6: an unknown username creates the account and
// succeeds unconditionally.
func TestLoginPasswordCreatesUnknownUsername(t *testing.T) {
	c, engine := newLeaderChatService()

	var reply LoginPasswordReply
	err := c.LoginPassword(&LoginPasswordArgs{Username: "alice", PasswordDigest: []byte("digest-a")}, &reply)
	if err != nil {
		t.Fatalf("LoginPassword: %v", err)
	}
	if !reply.Success {
		t.Fatalf("expected success creating a new account, got %+v", reply)
	}
	if reply.Uid == "" {
		t.Fatal("expected a non-empty Uid for the newly created account")
	}

	var count int
	engine.Read(func(s *store.State) { count = len(s.Users) })
	if count != 1 {
		t.Fatalf("expected exactly one user after account creation, got %d", count)
	}
}

// TestLoginPasswordVerifiesKnownUsername covers the other half of the
// create-vs-verify branch: a known username must match the stored
// digest, and a mismatched digest fails without creating a second
// account.
func TestLoginPasswordVerifiesKnownUsername(t *testing.T) {
	c, engine := newLeaderChatService()

	var createReply LoginPasswordReply
	if err := c.LoginPassword(&LoginPasswordArgs{Username: "alice", PasswordDigest: []byte("digest-a")}, &createReply); err != nil {
		t.Fatalf("LoginPassword (create): %v", err)
	}

	var verifyReply LoginPasswordReply
	if err := c.LoginPassword(&LoginPasswordArgs{Username: "alice", PasswordDigest: []byte("digest-a")}, &verifyReply); err != nil {
		t.Fatalf("LoginPassword (verify): %v", err)
	}
	if !verifyReply.Success || verifyReply.Uid != createReply.Uid {
		t.Fatalf("expected a matching-digest login to succeed with the same uid, got %+v (created %s)", verifyReply, createReply.Uid)
	}

	var mismatchReply LoginPasswordReply
	if err := c.LoginPassword(&LoginPasswordArgs{Username: "alice", PasswordDigest: []byte("wrong-digest")}, &mismatchReply); err != nil {
		t.Fatalf("LoginPassword (mismatch): %v", err)
	}
	if mismatchReply.Success {
		t.Fatal("expected a mismatched digest to fail")
	}
	if mismatchReply.Error != "AuthFailed" {
		t.Fatalf("expected reason AuthFailed, got %q", mismatchReply.Error)
	}

	var count int
	engine.Read(func(s *store.State) { count = len(s.Users) })
	if count != 1 {
		t.Fatalf("expected still exactly one account, got %d", count)
	}
}

// TestMutatingEndpointsRedirectWhenNotLeader covers the NotLeader
// redirect plumbing (spec §7): every mutating endpoint reports
// Success=false and the current leader address when called on a
// follower, rather than running chatlogic against local state.
func TestMutatingEndpointsRedirectWhenNotLeader(t *testing.T) {
	c, _ := newFollowerChatService()

	var reply LoginPasswordReply
	if err := c.LoginPassword(&LoginPasswordArgs{Username: "alice", PasswordDigest: []byte("d")}, &reply); err != nil {
		t.Fatalf("LoginPassword: %v", err)
	}
	if reply.Success {
		t.Fatal("expected Success false on a follower")
	}
	if reply.LeaderAddr != "node-a:9000" {
		t.Fatalf("expected LeaderAddr node-a:9000, got %q", reply.LeaderAddr)
	}
	if reply.Error != "NotLeader" {
		t.Fatalf("expected reason NotLeader, got %q", reply.Error)
	}

	uid := string(types.NewUid())
	mid := string(types.NewUid())
	var deleteAccountReply DeleteAccountReply
	var sendReply SendMessageReply
	var markReply MarkMessageReadReply
	var deleteMessagesReply DeleteMessagesReply
	calls := []struct {
		name               string
		call               func() error
		success            *bool
		leaderAddr, reason *string
	}{
		{"DeleteAccount", func() error { return c.DeleteAccount(&DeleteAccountArgs{Uid: uid}, &deleteAccountReply) },
			&deleteAccountReply.Success, &deleteAccountReply.LeaderAddr, &deleteAccountReply.Error},
		{"SendMessage", func() error {
			return c.SendMessage(&SendMessageArgs{SenderUid: uid, ReceiverUsername: "bob", Text: "hi", Timestamp: "t0"}, &sendReply)
		}, &sendReply.Success, &sendReply.LeaderAddr, &sendReply.Error},
		{"MarkMessageRead", func() error { return c.MarkMessageRead(&MarkMessageReadArgs{Mid: mid}, &markReply) },
			&markReply.Success, &markReply.LeaderAddr, &markReply.Error},
		{"DeleteMessages", func() error {
			return c.DeleteMessages(&DeleteMessagesArgs{Uid: uid, Mids: []string{mid}}, &deleteMessagesReply)
		}, &deleteMessagesReply.Success, &deleteMessagesReply.LeaderAddr, &deleteMessagesReply.Error},
	}
	for _, tc := range calls {
		if err := tc.call(); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if *tc.success || *tc.leaderAddr != "node-a:9000" || *tc.reason != "NotLeader" {
			t.Fatalf("%s: expected a NotLeader redirect to node-a:9000, got success=%v leader=%q reason=%q",
				tc.name, *tc.success, *tc.leaderAddr, *tc.reason)
		}
	}
}

// TestDeleteMessagesPartialSuccessStillPersists covers spec §4.2/§9: a
// DeleteMessages call naming one real and one unknown mid reports
// Success=false overall, but the side that was found is still unlinked
// and the mutation is still persisted (not silently dropped).
func TestDeleteMessagesPartialSuccessStillPersists(t *testing.T) {
	c, engine := newLeaderChatService()

	var loginReply LoginPasswordReply
	if err := c.LoginPassword(&LoginPasswordArgs{Username: "alice", PasswordDigest: []byte("d")}, &loginReply); err != nil {
		t.Fatalf("LoginPassword: %v", err)
	}
	uid, err := types.ParseUid(loginReply.Uid)
	if err != nil {
		t.Fatalf("ParseUid: %v", err)
	}

	var realMid string
	if err := engine.Mutate(func(s *store.State) (bool, bool, error) {
		mid := types.NewUid()
		s.Messages[mid] = &types.Message{Mid: mid, SenderUid: uid, Text: "hi"}
		u := s.Users[uid]
		u.SentMids = append(u.SentMids, string(mid))
		realMid = string(mid)
		return true, true, nil
	}); err != nil {
		t.Fatalf("seed Mutate: %v", err)
	}

	adapter := engine.Adapter.(*fakeAdapter)
	savesBefore := adapter.saves

	var reply DeleteMessagesReply
	args := &DeleteMessagesArgs{Uid: string(uid), Mids: []string{realMid, string(types.NewUid())}}
	if err := c.DeleteMessages(args, &reply); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if reply.Success {
		t.Fatal("expected overall Success false when one mid is unknown")
	}
	if len(reply.Deleted) != 1 || reply.Deleted[0] != realMid {
		t.Fatalf("expected Deleted == [%s], got %v", realMid, reply.Deleted)
	}
	if adapter.saves != savesBefore+1 {
		t.Fatalf("expected the partial delete to be persisted once, got %d saves (was %d)", adapter.saves, savesBefore)
	}

	engine.Read(func(s *store.State) {
		if len(s.Users[uid].SentMids) != 0 {
			t.Fatalf("expected the known mid to be unlinked from SentMids, got %v", s.Users[uid].SentMids)
		}
	})
}

// TestGetMessageByMidFoundFlag covers the explicit Found flag resolving
// spec §9's open question about a miss.
func TestGetMessageByMidFoundFlag(t *testing.T) {
	c, engine := newLeaderChatService()

	senderUid := types.NewUid()
	mid := types.NewUid()
	if err := engine.Mutate(func(s *store.State) (bool, bool, error) {
		s.Users[senderUid] = &types.User{Uid: senderUid, Username: "alice", Active: true}
		s.Messages[mid] = &types.Message{Mid: mid, SenderUid: senderUid, Text: "hi", Timestamp: "t0"}
		return true, true, nil
	}); err != nil {
		t.Fatalf("seed Mutate: %v", err)
	}

	var found GetMessageByMidReply
	if err := c.GetMessageByMid(&GetMessageByMidArgs{Mid: string(mid)}, &found); err != nil {
		t.Fatalf("GetMessageByMid: %v", err)
	}
	if !found.Found || found.Text != "hi" {
		t.Fatalf("expected Found with text hi, got %+v", found)
	}

	var missing GetMessageByMidReply
	if err := c.GetMessageByMid(&GetMessageByMidArgs{Mid: string(types.NewUid())}, &missing); err != nil {
		t.Fatalf("GetMessageByMid: %v", err)
	}
	if missing.Found {
		t.Fatalf("expected Found false for an unknown mid, got %+v", missing)
	}
}

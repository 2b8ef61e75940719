package main

// Request/response pairs for the client-facing RPC surface, exactly as
// tabulated in spec §6. Registered as the net/rpc service "ChatService"
// (server/main.go), alongside the "Replication" service that
// server/main.go registers for the replication engine.

// LoginUsernameArgs checks whether username already belongs to an
// active account.
type LoginUsernameArgs struct {
	Username string
}

// LoginUsernameReply reports whether the account exists.
type LoginUsernameReply struct {
	UserExists bool
	Username   string
}

// LoginPasswordArgs carries an already-hashed digest (never a plaintext
// password; spec §1 treats hashing as an external collaborator).
type LoginPasswordArgs struct {
	Username       string
	PasswordDigest []byte
}

// LoginPasswordReply reports success/uid. An unknown username creates
// the account and returns success=true (spec §6).
type LoginPasswordReply struct {
	Success bool
	Uid     string
	// LeaderAddr is set when Success is false because this replica is
	// not the leader (spec §7: NotLeader carries the leader address).
	LeaderAddr string
	Error      string
}

// ListAccountsArgs carries the glob pattern; empty means "*".
type ListAccountsArgs struct {
	Glob string
}

// ListAccountsReply carries the matching active usernames.
type ListAccountsReply struct {
	Usernames []string
}

// DeleteAccountArgs identifies the account to tombstone.
type DeleteAccountArgs struct {
	Uid string
}

// DeleteAccountReply is the uniform success/leader-redirect shape used
// by every mutating endpoint below.
type DeleteAccountReply struct {
	Success    bool
	LeaderAddr string
	Error      string
}

// SendMessageArgs is a direct message from SenderUid to the active user
// named ReceiverUsername.
type SendMessageArgs struct {
	SenderUid        string
	ReceiverUsername string
	Text             string
	Timestamp        string
}

// SendMessageReply reports success/leader-redirect.
type SendMessageReply struct {
	Success    bool
	LeaderAddr string
	Error      string
}

// GetMidsArgs is shared by GetSentMessages and GetReceivedMessages.
type GetMidsArgs struct {
	Uid string
}

// GetMidsReply carries the mid sequence, in stored order.
type GetMidsReply struct {
	Mids []string
	// Found is false if Uid is unknown.
	Found bool
}

// GetMessageByMidArgs identifies the message to fetch.
type GetMessageByMidArgs struct {
	Mid string
}

// GetMessageByMidReply is an explicit not_found flag plus the message
// fields, resolving the open question in spec §9 (the source returns a
// partially populated response on a miss; here Found disambiguates it).
type GetMessageByMidReply struct {
	Found            bool
	Mid              string
	SenderUid        string
	ReceiverUid      string
	SenderUsername   string
	ReceiverUsername string
	Text             string
	Timestamp        string
	ReceiverRead     bool
}

// MarkMessageReadArgs identifies the message to mark read.
type MarkMessageReadArgs struct {
	Mid string
}

// MarkMessageReadReply reports success/leader-redirect.
type MarkMessageReadReply struct {
	Success    bool
	LeaderAddr string
	Error      string
}

// DeleteMessagesArgs removes Mids from Uid's own sent/received view.
type DeleteMessagesArgs struct {
	Uid  string
	Mids []string
}

// DeleteMessagesReply reports success/leader-redirect; Deleted lists
// the mids that were actually found and unlinked (spec §4.2: partial
// success is reported through both fields).
type DeleteMessagesReply struct {
	Success    bool
	Deleted    []string
	LeaderAddr string
	Error      string
}

// GetReplicaListArgs has no fields; reserved per spec §6.
type GetReplicaListArgs struct{}

// GetReplicaListReply carries the current replica list as seen by the
// replica handling the call.
type GetReplicaListReply struct {
	Addresses  []string
	LeaderAddr string
	IsLeader   bool
}

// ElectLeaderArgs has no fields. Spec §6 reserves this endpoint "for
// future quorum variants" since this design's election is local and
// deterministic; it has no effect here.
type ElectLeaderArgs struct{}

// ElectLeaderReply always reports NotImplemented: true, since this
// replica's election runs automatically on heartbeat failure and is
// never triggered on demand.
type ElectLeaderReply struct {
	NotImplemented bool
}

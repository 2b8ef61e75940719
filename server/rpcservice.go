package main

import (
	"errors"

	"github.com/replichat/chat/server/chatlogic"
	"github.com/replichat/chat/server/metrics"
	"github.com/replichat/chat/server/replication"
	"github.com/replichat/chat/server/rpclimit"
	"github.com/replichat/chat/server/store"
	"github.com/replichat/chat/server/store/types"
)

// ChatService is the net/rpc-exported client surface (spec §6), wired
// as the "ChatService" service name alongside "Replication". Mutating
// methods run chatlogic against the engine's locked state via
// Engine.Mutate (which also persists and fans out); read-only methods
// use Engine.Read so a follower can serve them from its local replica
// (spec §9 open question, resolved: followers do serve reads).
//
// A fn passed to Mutate returns a non-nil error whenever the operation
// fails (unknown user, auth failure, oversize text): that makes Mutate
// skip the snapshot save and fan-out entirely, since spec §4.3's "on
// every successful mutating RPC" only calls for persistence and
// propagation when the mutation succeeded. A successful call that
// changes nothing (LoginPassword for an existing account) returns nil,
// so it is still saved.
//
// Grounded on cluster.go's dispatch shape: a thin method per endpoint
// that validates wire arguments, then defers to the domain package.
//
// Every exported method runs behind limiter, the same bounded worker
// pool (spec §5, default 10) that gates the Replication service's
// handlers, so the two net/rpc services registered in one process share
// a single cap on concurrent RPC dispatch rather than each getting its
// own unbounded goroutine-per-call behavior from net/rpc.
type ChatService struct {
	engine  *replication.Engine
	metrics *metrics.Metrics
	limiter *rpclimit.Limiter
}

// NewChatService returns a ChatService bound to engine, sharing limiter
// with engine's own RPC surface. m may be nil. limiter may be nil, in
// which case a private pool of rpclimit.DefaultSize is used.
func NewChatService(engine *replication.Engine, m *metrics.Metrics, limiter *rpclimit.Limiter) *ChatService {
	if limiter == nil {
		limiter = rpclimit.New(rpclimit.DefaultSize)
	}
	return &ChatService{engine: engine, metrics: m, limiter: limiter}
}

func (c *ChatService) observe(method string) {
	if c.metrics != nil {
		c.metrics.ObserveRPC(method)
	}
}

// errNoChange marks a Mutate closure outcome where nothing was touched
// and no chatlogic sentinel applies (SendMessage naming no active
// receiver), so Mutate skips the save and fan-out.
var errNoChange = errors.New("rpc: no state change")

// reasonFor maps a chatlogic/store error to the wire-level reason
// string from spec §7's error-kind table.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, chatlogic.ErrUnknownUser):
		return "UnknownUser"
	case errors.Is(err, chatlogic.ErrUnknownMessage):
		return "UnknownMessage"
	case errors.Is(err, chatlogic.ErrDuplicateUsername):
		return "DuplicateUsername"
	case errors.Is(err, chatlogic.ErrAuthFailed):
		return "AuthFailed"
	case errors.Is(err, chatlogic.ErrTextTooLong):
		return "TextTooLong"
	default:
		return "UnknownUser"
	}
}

// notLeader reports whether err is ErrNotLeader and, if so, fills the
// leader-redirect reply fields shared by every mutating endpoint (spec
// §7: NotLeader carries the current leader address).
func (c *ChatService) notLeader(err error, success *bool, leaderAddr, reason *string) bool {
	if !errors.Is(err, replication.ErrNotLeader) {
		return false
	}
	*success = false
	*leaderAddr = c.engine.LeaderAddr()
	*reason = "NotLeader"
	return true
}

func (c *ChatService) LoginUsername(args *LoginUsernameArgs, reply *LoginUsernameReply) error {
	return c.limiter.Run(func() error {
		c.observe("LoginUsername")
		reply.Username = args.Username
		c.engine.Read(func(s *store.State) {
			reply.UserExists = !chatlogic.CheckUsernameExists(s, args.Username).IsZero()
		})
		return nil
	})
}

// LoginPassword implements spec §6: an unknown username creates the
// account (storing the caller-supplied digest as-is) and returns
// success=true; a known username must match the stored digest.
func (c *ChatService) LoginPassword(args *LoginPasswordArgs, reply *LoginPasswordReply) error {
	return c.limiter.Run(func() error {
		c.observe("LoginPassword")

		var uid types.Uid
		err := c.engine.Mutate(func(s *store.State) (touchedUsers, touchedMessages bool, err error) {
			existing := chatlogic.CheckUsernameExists(s, args.Username)
			if existing.IsZero() {
				newUid, cerr := chatlogic.CreateAccount(s, args.Username, args.PasswordDigest)
				if cerr != nil {
					return false, false, cerr
				}
				uid = newUid
				return true, false, nil
			}

			ok, verr := chatlogic.VerifyPassword(s, existing, args.PasswordDigest)
			if verr != nil {
				return false, false, verr
			}
			if !ok {
				return false, false, chatlogic.ErrAuthFailed
			}
			uid = existing
			return false, false, nil
		})

		if c.notLeader(err, &reply.Success, &reply.LeaderAddr, &reply.Error) {
			return nil
		}
		if err != nil {
			reply.Success = false
			reply.Error = reasonFor(err)
			return nil
		}
		reply.Success = true
		reply.Uid = string(uid)
		return nil
	})
}

func (c *ChatService) ListAccounts(args *ListAccountsArgs, reply *ListAccountsReply) error {
	return c.limiter.Run(func() error {
		c.observe("ListAccounts")
		var outErr error
		c.engine.Read(func(s *store.State) {
			names, err := chatlogic.ListAccounts(s, args.Glob)
			if err != nil {
				outErr = err
				return
			}
			reply.Usernames = names
		})
		return outErr
	})
}

func (c *ChatService) DeleteAccount(args *DeleteAccountArgs, reply *DeleteAccountReply) error {
	return c.limiter.Run(func() error {
		c.observe("DeleteAccount")

		uid, perr := types.ParseUid(args.Uid)
		if perr != nil {
			reply.Success = false
			reply.Error = "UnknownUser"
			return nil
		}

		err := c.engine.Mutate(func(s *store.State) (touchedUsers, touchedMessages bool, err error) {
			if derr := chatlogic.DeleteAccount(s, uid); derr != nil {
				return false, false, derr
			}
			return true, false, nil
		})

		if c.notLeader(err, &reply.Success, &reply.LeaderAddr, &reply.Error) {
			return nil
		}
		if err != nil {
			reply.Success = false
			reply.Error = reasonFor(err)
			return nil
		}
		reply.Success = true
		return nil
	})
}

func (c *ChatService) SendMessage(args *SendMessageArgs, reply *SendMessageReply) error {
	return c.limiter.Run(func() error {
		c.observe("SendMessage")

		senderUid, perr := types.ParseUid(args.SenderUid)
		if perr != nil {
			reply.Success = false
			reply.Error = "UnknownUser"
			return nil
		}

		err := c.engine.Mutate(func(s *store.State) (touchedUsers, touchedMessages bool, err error) {
			ok, serr := chatlogic.SendMessage(s, senderUid, args.ReceiverUsername, args.Text, args.Timestamp)
			if serr != nil {
				return false, false, serr
			}
			if !ok {
				return false, false, errNoChange
			}
			return true, true, nil
		})

		if c.notLeader(err, &reply.Success, &reply.LeaderAddr, &reply.Error) {
			return nil
		}
		if err != nil {
			reply.Success = false
			if errors.Is(err, errNoChange) {
				reply.Error = "UnknownUser"
			} else {
				reply.Error = reasonFor(err)
			}
			return nil
		}
		reply.Success = true
		return nil
	})
}

func (c *ChatService) GetSentMessages(args *GetMidsArgs, reply *GetMidsReply) error {
	return c.limiter.Run(func() error {
		c.observe("GetSentMessages")
		uid, perr := types.ParseUid(args.Uid)
		if perr != nil {
			reply.Found = false
			return nil
		}
		c.engine.Read(func(s *store.State) {
			mids, err := chatlogic.GetSentMids(s, uid)
			reply.Found = err == nil
			reply.Mids = mids
		})
		return nil
	})
}

func (c *ChatService) GetReceivedMessages(args *GetMidsArgs, reply *GetMidsReply) error {
	return c.limiter.Run(func() error {
		c.observe("GetReceivedMessages")
		uid, perr := types.ParseUid(args.Uid)
		if perr != nil {
			reply.Found = false
			return nil
		}
		c.engine.Read(func(s *store.State) {
			mids, err := chatlogic.GetReceivedMids(s, uid)
			reply.Found = err == nil
			reply.Mids = mids
		})
		return nil
	})
}

// GetMessageByMid resolves the open question in spec §9 (the source
// returns a partially populated response on a miss) with an explicit
// Found flag.
func (c *ChatService) GetMessageByMid(args *GetMessageByMidArgs, reply *GetMessageByMidReply) error {
	return c.limiter.Run(func() error {
		c.observe("GetMessageByMid")
		mid, perr := types.ParseUid(args.Mid)
		if perr != nil {
			reply.Found = false
			return nil
		}
		c.engine.Read(func(s *store.State) {
			m, err := chatlogic.GetMessage(s, mid)
			if err != nil {
				reply.Found = false
				return
			}
			reply.Found = true
			reply.Mid = string(m.Mid)
			reply.SenderUid = string(m.SenderUid)
			reply.ReceiverUid = string(m.ReceiverUid)
			reply.SenderUsername = m.SenderUsername
			reply.ReceiverUsername = m.ReceiverUsername
			reply.Text = m.Text
			reply.Timestamp = m.Timestamp
			reply.ReceiverRead = m.ReceiverRead
		})
		return nil
	})
}

func (c *ChatService) MarkMessageRead(args *MarkMessageReadArgs, reply *MarkMessageReadReply) error {
	return c.limiter.Run(func() error {
		c.observe("MarkMessageRead")
		mid, perr := types.ParseUid(args.Mid)
		if perr != nil {
			reply.Success = false
			reply.Error = "UnknownMessage"
			return nil
		}

		err := c.engine.Mutate(func(s *store.State) (touchedUsers, touchedMessages bool, err error) {
			if !chatlogic.MarkRead(s, mid) {
				return false, false, chatlogic.ErrUnknownMessage
			}
			return false, true, nil
		})

		if c.notLeader(err, &reply.Success, &reply.LeaderAddr, &reply.Error) {
			return nil
		}
		if err != nil {
			reply.Success = false
			reply.Error = reasonFor(err)
			return nil
		}
		reply.Success = true
		return nil
	})
}

// DeleteMessages unlinks Mids from uid's own sent/received lists
// (spec §4.2: a per-side unlink, the message record itself survives).
// A partial success (some mids unknown) still touches the user's lists
// for the mids that were found, so it is persisted and fanned out even
// though Success is false.
func (c *ChatService) DeleteMessages(args *DeleteMessagesArgs, reply *DeleteMessagesReply) error {
	return c.limiter.Run(func() error {
		c.observe("DeleteMessages")
		uid, perr := types.ParseUid(args.Uid)
		if perr != nil {
			reply.Success = false
			reply.Error = "UnknownUser"
			return nil
		}

		err := c.engine.Mutate(func(s *store.State) (touchedUsers, touchedMessages bool, err error) {
			success, deleted := chatlogic.DeleteMessages(s, uid, args.Mids)
			reply.Success = success
			reply.Deleted = deleted
			if len(deleted) == 0 && !success {
				return false, false, chatlogic.ErrUnknownUser
			}
			return true, false, nil
		})

		if c.notLeader(err, &reply.Success, &reply.LeaderAddr, &reply.Error) {
			return nil
		}
		if err != nil {
			reply.Success = false
			reply.Error = reasonFor(err)
			return nil
		}
		return nil
	})
}

// GetReplicaList reports this replica's own view of the group (spec
// §6: present in the interface as a companion to ElectLeader).
func (c *ChatService) GetReplicaList(args *GetReplicaListArgs, reply *GetReplicaListReply) error {
	return c.limiter.Run(func() error {
		c.observe("GetReplicaList")
		reply.Addresses = c.engine.Members()
		reply.LeaderAddr = c.engine.LeaderAddr()
		reply.IsLeader = c.engine.IsLeader()
		return nil
	})
}

// ElectLeader is reserved per spec §6 ("election is local and
// deterministic, so ElectLeader is reserved for future quorum
// variants"); this design never needs it on demand.
func (c *ChatService) ElectLeader(args *ElectLeaderArgs, reply *ElectLeaderReply) error {
	return c.limiter.Run(func() error {
		c.observe("ElectLeader")
		reply.NotImplemented = true
		return nil
	})
}

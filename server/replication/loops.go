package replication

import (
	"log"
	"sort"
	"sync"
	"time"
)

// startFollowerLoop runs the follower side of spec §4.4: every T, ping the
// leader; on any error, run leader election.
func (e *Engine) startFollowerLoop() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.mu.RLock()
				leading := e.isLeader
				leader := e.leaderAddr
				e.mu.RUnlock()

				if leading {
					// Promoted by a concurrent election; this loop is done.
					return
				}
				if leader == "" {
					continue
				}

				node := e.nodeOrCreate(leader)
				args := &HeartbeatArgs{Address: e.Address}
				var reply HeartbeatReply
				if err := node.Call("Replication.Heartbeat", args, &reply, e.CallTimeout); err != nil {
					if e.metrics != nil {
						e.metrics.IncHeartbeatFailure()
					}
					log.Println("replication: heartbeat to leader", leader, "failed, running election")
					if e.electLeader() {
						// We won; the leader loop is already running
						// (started synchronously inside electLeader), so
						// this follower loop is done.
						return
					}
				}
			}
		}
	}()
}

// startLeaderLoop runs the leader side of spec §4.4: every T, ping every
// follower; drop any that errors and push the updated replica list.
func (e *Engine) startLeaderLoop() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.mu.RLock()
				leading := e.isLeader
				peers := sortedKeys(e.members)
				e.mu.RUnlock()

				if !leading {
					// Demoted (not modeled by this spec); defensive only,
					// since electLeader starts this loop only on a replica
					// that won.
					return
				}

				var mu sync.Mutex
				var failed []string
				var wg sync.WaitGroup
				for _, addr := range peers {
					if addr == e.Address {
						continue
					}
					addr := addr
					wg.Add(1)
					go func() {
						defer wg.Done()
						node := e.nodeOrCreate(addr)
						args := &HeartbeatArgs{Address: e.Address}
						var reply HeartbeatReply
						if err := node.Call("Replication.Heartbeat", args, &reply, e.CallTimeout); err != nil {
							if e.metrics != nil {
								e.metrics.IncHeartbeatFailure()
							}
							mu.Lock()
							failed = append(failed, addr)
							mu.Unlock()
						}
					}()
				}
				wg.Wait()

				if len(failed) > 0 {
					e.pruneMembers(failed)
				}
			}
		}
	}()
}

func (e *Engine) nodeOrCreate(address string) *Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeFor(address)
}

// pruneMembers removes dead addresses from the replica list and pushes
// the result to every remaining follower (spec §4.4 leader loop).
func (e *Engine) pruneMembers(dead []string) {
	e.mu.Lock()
	for _, addr := range dead {
		delete(e.members, addr)
		if n, ok := e.nodes[addr]; ok {
			n.Close()
			delete(e.nodes, addr)
		}
	}
	remaining := sortedKeys(e.members)
	e.recordRole()
	e.mu.Unlock()

	for _, addr := range dead {
		e.emit(EventMemberRemoved, addr)
	}

	args := &SyncReplicaListArgs{Addresses: remaining}
	for _, addr := range remaining {
		if addr == e.Address {
			continue
		}
		var reply SyncReply
		node := e.nodeOrCreate(addr)
		if err := node.Call("Replication.SyncReplicaListFromLeader", args, &reply, e.CallTimeout); err != nil {
			log.Println("replication: push replica list to", addr, "failed:", err)
		}
	}
}

// electLeader implements spec §4.4: remove the unreachable leader, compute
// the deterministic new leader as the lexicographic minimum of the
// surviving replica list, and, if it is this replica, adopt the role and
// start the leader loop. The loop is not started on a replica that loses.
// Returns true if this replica became leader.
func (e *Engine) electLeader() bool {
	e.mu.Lock()
	delete(e.members, e.leaderAddr)

	candidates := sortedKeys(e.members)
	candidates = append(candidates, e.Address)
	sort.Strings(candidates)
	newLeader := lexMin(dedupe(candidates))

	becameLeader := newLeader == e.Address
	if becameLeader {
		e.isLeader = true
		e.leaderAddr = e.Address
		e.members[e.Address] = struct{}{}
	} else {
		e.leaderAddr = newLeader
	}
	e.recordRole()
	e.mu.Unlock()

	e.emit(EventLeaderChanged, newLeader)

	if becameLeader {
		// Step 2 of spec §4.4: start the leader loop "so that if this
		// replica happens to be the winner it is already beating" --
		// here we already know the outcome, so start it only when we won.
		e.startLeaderLoop()
	}
	return becameLeader
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func lexMin(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	return min
}

package replication

import (
	"errors"
	"log"
	"net"
	"net/rpc"
	"sync"
	"time"
)

// ErrPeerUnreachable is returned by Node.Call when the peer cannot be
// reached or the call does not complete within the configured timeout.
var ErrPeerUnreachable = errors.New("replication: peer unreachable")

// Node is this replica's connection to one peer replica. Grounded on the
// teacher's ClusterNode: a lazily (re)dialed net/rpc client with a mutex
// guarding the connected flag, closed and marked disconnected on any call
// error so the next call redials from scratch.
type Node struct {
	mu      sync.Mutex
	address string
	client  *rpc.Client

	dialTimeout time.Duration
}

// NewNode returns a Node for address. It does not dial immediately; the
// first Call does.
func NewNode(address string, dialTimeout time.Duration) *Node {
	return &Node{address: address, dialTimeout: dialTimeout}
}

// Address returns the peer's address.
func (n *Node) Address() string { return n.address }

func (n *Node) ensureConnected() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", n.address, n.dialTimeout)
	if err != nil {
		return ErrPeerUnreachable
	}
	n.client = rpc.NewClient(conn)
	return nil
}

// Call invokes serviceMethod (e.g. "Replication.Heartbeat") on the peer,
// enforcing timeout as an upper bound on the whole round trip. It is the
// only blocking operation this package performs, per spec §5; a call that
// does not complete in time is cancelled (the underlying connection is
// closed) and counted as a failure.
func (n *Node) Call(serviceMethod string, args, reply interface{}, timeout time.Duration) error {
	if err := n.ensureConnected(); err != nil {
		return err
	}

	n.mu.Lock()
	client := n.client
	n.mu.Unlock()

	if client == nil {
		return ErrPeerUnreachable
	}

	call := client.Go(serviceMethod, args, reply, make(chan *rpc.Call, 1))

	select {
	case res := <-call.Done:
		if res.Error != nil {
			n.closeOnError()
			return ErrPeerUnreachable
		}
		return nil
	case <-time.After(timeout):
		n.closeOnError()
		return ErrPeerUnreachable
	}
}

func (n *Node) closeOnError() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client != nil {
		if err := n.client.Close(); err != nil {
			log.Println("replication: error closing connection to", n.address, err)
		}
		n.client = nil
	}
}

// Close tears down the connection, if any.
func (n *Node) Close() {
	n.closeOnError()
}

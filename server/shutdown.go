/******************************************************************************
 *
 *  Description :
 *
 *  Graceful shutdown of the server
 *
 *****************************************************************************/

package main

import (
	"log"
	"net"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/replichat/chat/server/admin"
	"github.com/replichat/chat/server/replication"
)

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		log.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

// serveRPC accepts net/rpc connections on addr (the client-facing
// ChatService plus this replica's own Replication service, both
// already registered on the default server by the caller) until stop
// fires, then closes the listener, waits for in-flight Accept to
// return, and shuts down the replication engine and admin server.
// Every mutation already persists synchronously before its RPC replies
// (Engine.Mutate), so no extra save is needed here.
func serveRPC(addr string, engine *replication.Engine, adminSrv *admin.Server, stop <-chan bool) error {
	shuttingDown := false
	acceptDone := make(chan bool)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gln := tcpGracefulListener{ln.(*net.TCPListener)}

	go func() {
		// rpc.Accept loops accepting connections and spawning
		// rpc.ServeConn per connection (same shape as cluster.go's own
		// "go rpc.Accept(c.inbound)"); it returns once gln.Close() makes
		// the blocking Accept fail.
		rpc.Accept(gln)
		if shuttingDown {
			log.Printf("RPC listener stopped")
		}
		acceptDone <- true
	}()

loop:
	for {
		select {
		case <-stop:
			// Flip the flag that we are terminating and close the
			// Accept-ing socket, so no new connections are possible.
			shuttingDown = true
			ln.Close()

			// Wait for the accept loop to notice and exit.
			<-acceptDone

			// Stop the replication engine's background loops and close
			// its peer connections.
			if engine != nil {
				engine.Shutdown()
			}

			// Stop the admin HTTP/websocket surface, if one was started.
			if adminSrv != nil {
				adminSrv.Shutdown()
			}

			break loop

		case <-acceptDone:
			break loop
		}
	}
	return err
}

// tcpGracefulListener is a copy of tcpKeepAliveListener from https://golang.org/src/net/http/server.go)
// Code copied to gain access to TCPListener.Close()
type tcpGracefulListener struct {
	*net.TCPListener
}

func (ln tcpGracefulListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

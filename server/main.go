/******************************************************************************
 *
 *  Description :
 *
 *  Process bootstrap: parse flags, load config, wire up Store, the
 *  Replication Engine, the RPC surface, and (optionally) the admin HTTP
 *  server, then block until a shutdown signal arrives.
 *
 *****************************************************************************/

package main

import (
	"flag"
	"log"
	"net/rpc"

	"github.com/replichat/chat/server/admin"
	"github.com/replichat/chat/server/config"
	"github.com/replichat/chat/server/metrics"
	"github.com/replichat/chat/server/replication"
	"github.com/replichat/chat/server/rpclimit"
	"github.com/replichat/chat/server/store"
)

func main() {
	configFile := flag.String("config", "./replica.conf", "path to the replica's JSON(-with-comments) config file")
	adminKey := flag.String("admin_key", "", "shared secret required in the X-Admin-Key header on the admin HTTP surface; empty disables the check")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalln("config:", err)
	}

	adapter, err := store.NewFileAdapter(cfg.DataDir)
	if err != nil {
		log.Fatalln("store:", err)
	}

	m := metrics.New()

	// One limiter shared by the Replication and ChatService RPC surfaces
	// (spec §5: a single bounded worker pool, default 10, for the whole
	// RPC server, not one pool per registered service).
	limiter := rpclimit.New(rpclimit.DefaultSize)

	engine := replication.New(replication.Config{
		Address:           cfg.Self,
		IsLeader:          cfg.IsLeader(),
		LeaderAddr:        cfg.Leader,
		Adapter:           adapter,
		State:             store.NewState(),
		HeartbeatInterval: cfg.Heartbeat(),
		CallTimeout:       cfg.CallTimeout(),
		Metrics:           m,
		Limiter:           limiter,
	})

	// Load local snapshots before joining, per spec §4.3 step 1: "a
	// follower starts, loads its local snapshots, and sends
	// RegisterReplica".
	if err := engine.LoadLocalState(); err != nil {
		log.Fatalln("store: load:", err)
	}

	if err := rpc.RegisterName("Replication", engine); err != nil {
		log.Fatalln("rpc: register Replication:", err)
	}
	chatService := NewChatService(engine, m, limiter)
	if err := rpc.RegisterName("ChatService", chatService); err != nil {
		log.Fatalln("rpc: register ChatService:", err)
	}

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.New(cfg.AdminAddr, *adminKey, engine)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				log.Println("admin: server stopped:", err)
			}
		}()
	}

	if !cfg.IsLeader() {
		if err := engine.Join(cfg.Leader); err != nil {
			log.Fatalln("replication: join:", err)
		}
	}
	engine.Start()

	log.Printf("replica %s listening, leader=%v", cfg.Self, cfg.IsLeader())

	stop := signalHandler()
	if err := serveRPC(cfg.Self, engine, adminSrv, stop); err != nil {
		log.Fatalln("rpc: serve:", err)
	}

	log.Println("replica stopped cleanly")
}

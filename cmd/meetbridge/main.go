// Command meetbridge runs the signaling and control-plane gateway
// between browser WebSocket clients and a Kurento Media Server.
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/meetbridge/kurento-gateway/internal/config"
	"github.com/meetbridge/kurento-gateway/internal/kurento"
	"github.com/meetbridge/kurento-gateway/internal/room"
	"github.com/meetbridge/kurento-gateway/internal/signaling"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("meetbridge: config: %v", err)
	}

	transport := kurento.New(kurento.Config{
		URL:            cfg.KMSURL,
		ConnectTimeout: cfg.ConnectTimeout,
		RPCTimeout:     cfg.RPCTimeout,
		EventQueueSize: cfg.EventQueueSize,
	})
	defer transport.Close()

	manager := room.NewManager(transport)
	registry := room.NewRegistry()
	dispatcher := signaling.NewDispatcher(manager, registry)
	hub := signaling.NewHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/room", func(w http.ResponseWriter, r *http.Request) {
		signaling.Serve(hub, dispatcher, w, r)
	})

	log.Printf("meetbridge: listening on %s, KMS at %s", cfg.ListenAddr, cfg.KMSURL)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		log.Fatal(srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
	} else {
		log.Fatal(srv.ListenAndServe())
	}
}

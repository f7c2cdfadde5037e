// Package config loads gateway settings from command-line flags with
// environment-variable fallbacks, matching the teacher's habit of flag
// parsing (cmd/client/main.go) rather than a config library — none
// appears anywhere in the reference corpus.
package config

import (
	"flag"
	"os"
	"time"
)

// Config holds everything the gateway needs to start: where KMS lives,
// where to listen, and the tunable timeouts/queue sizes from spec.md §5
// and §6.
type Config struct {
	KMSURL         string
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	EventQueueSize int
	RPCTimeout     time.Duration
	ConnectTimeout time.Duration
}

// Load parses flags (falling back to environment variables for anything
// not passed explicitly) and returns the resulting Config. It does not
// call flag.Parse() a second time if the caller already did — FlagSet is
// private to this call.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("meetbridge", flag.ContinueOnError)

	kmsURL := fs.String("kms-url", getenv("KMS_URL", "ws://localhost:8888/kurento"), "Kurento Media Server WebSocket URL")
	listenAddr := fs.String("listen", getenv("LISTEN_ADDR", ":8080"), "address to listen for browser WebSocket connections")
	tlsCert := fs.String("tls-cert", os.Getenv("TLS_CERT_FILE"), "TLS certificate file (optional; plain HTTP if unset)")
	tlsKey := fs.String("tls-key", os.Getenv("TLS_KEY_FILE"), "TLS key file (optional; plain HTTP if unset)")
	eventQueueSize := fs.Int("event-queue-size", 64, "bounded KMS event queue capacity")
	rpcTimeout := fs.Duration("rpc-timeout", 10*time.Second, "per-RPC deadline for KMS calls (values <= 0 select the 10s default)")
	connectTimeout := fs.Duration("connect-timeout", 5*time.Second, "KMS connect deadline")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		KMSURL:         *kmsURL,
		ListenAddr:     *listenAddr,
		TLSCertFile:    *tlsCert,
		TLSKeyFile:     *tlsKey,
		EventQueueSize: *eventQueueSize,
		RPCTimeout:     *rpcTimeout,
		ConnectTimeout: *connectTimeout,
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EmbeddedOptions configures an in-process NATS server.
type EmbeddedOptions struct {
	// Port to listen on; -1 picks a random free port.
	Port int

	// StoreDir holds JetStream file storage. Empty uses a temporary directory.
	StoreDir string
}

// Embedded is an in-process NATS server with JetStream enabled and a client
// connection to it.
type Embedded struct {
	Server *server.Server
	Conn   *nats.Conn
	JS     jetstream.JetStream
}

// StartEmbedded starts a NATS server inside the process and connects to it.
func StartEmbedded(opts EmbeddedOptions) (*Embedded, error) {
	port := opts.Port
	if port == 0 {
		port = -1
	}
	ns, err := server.NewServer(&server.Options{
		Port:      port,
		JetStream: true,
		StoreDir:  opts.StoreDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Embedded{Server: ns, Conn: conn, JS: js}, nil
}

// URL returns the client URL of the embedded server.
func (e *Embedded) URL() string {
	return e.Server.ClientURL()
}

// Shutdown drains the connection and stops the server.
func (e *Embedded) Shutdown() {
	if e.Conn != nil {
		_ = e.Conn.Drain()
		e.Conn.Close()
	}
	if e.Server != nil {
		e.Server.Shutdown()
		e.Server.WaitForShutdown()
	}
}

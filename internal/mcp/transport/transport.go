// Package transport provides transport layer implementations for MCP protocol.
package transport

import (
	"context"
)

// Transport defines the interface for MCP message transport.
type Transport interface {
	// Send sends a complete JSON-RPC message through the transport.
	Send(ctx context.Context, data []byte) error

	// Receive receives a complete JSON-RPC message from the transport.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the transport and releases resources.
	Close() error
}

// ClientTransport is a transport used by MCP clients.
// It may need additional lifecycle management like starting a subprocess.
type ClientTransport interface {
	Transport

	// Start starts the transport (e.g., launches the subprocess).
	Start() error
}

package client

import (
	"context"
	"fmt"

	"github.com/omochice/duplex-bridge/internal/transport"
)

// HandshakeFunc runs once on a freshly opened transport, before the receive
// loop starts.
type HandshakeFunc func(ctx context.Context, conn transport.Conn, credential []byte) error

// CredentialHandshake writes the credential as a single write. No
// acknowledgement is expected from the peer.
func CredentialHandshake(ctx context.Context, conn transport.Conn, credential []byte) error {
	if len(credential) == 0 {
		return fmt.Errorf("%w: empty credential", ErrConfig)
	}
	if err := conn.Write(ctx, credential); err != nil {
		return fmt.Errorf("%w: send credential: %w", ErrIO, err)
	}
	return nil
}

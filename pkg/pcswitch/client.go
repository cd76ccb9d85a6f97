package pcswitch

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const sendTimeout = 3 * time.Second

// Send delivers token to a device as one datagram (or one short stream for
// tcp). Nothing is read back.
func Send(ctx context.Context, network, host string, port int, token []byte) error {
	if len(token) == 0 {
		return ErrEmptyToken
	}
	if network == "" {
		network = NetworkUDP
	}
	if network != NetworkUDP && network != NetworkTCP {
		return errors.Wrap(ErrUnknownNetwork, network)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return errors.Wrapf(err, "dialing %s", addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	if _, err := conn.Write(token); err != nil {
		return errors.Wrapf(err, "sending token to %s", addr)
	}
	return nil
}

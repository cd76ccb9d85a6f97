package pcswitch

import (
	"bytes"
	"context"
	"crypto/subtle"
	"log/slog"

	"github.com/pkg/errors"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/pcswitch/pkg/relay"
)

type MatchMode string

const (
	// MatchExact accepts a payload only if it is byte for byte the token.
	MatchExact MatchMode = "exact"
	// MatchContains accepts any payload that contains the token.
	MatchContains MatchMode = "contains"
)

var (
	ErrEmptyToken       = errors.New("trigger token is empty")
	ErrUnknownMatchMode = errors.New("unknown match mode")
)

func ParseMatchMode(s string) (MatchMode, error) {
	switch m := MatchMode(s); m {
	case MatchExact, MatchContains:
		return m, nil
	}
	return "", errors.Wrap(ErrUnknownMatchMode, s)
}

// Pulser is anything that can be asked for one relay pulse.
type Pulser interface {
	Pulse(ctx context.Context) error
}

// Interpreter decides whether a payload authorizes a pulse and, if it does,
// asks the Pulser for one.
type Interpreter struct {
	token  []byte
	mode   MatchMode
	pulser Pulser
}

func NewInterpreter(token []byte, mode MatchMode, pulser Pulser) (*Interpreter, error) {
	if len(token) == 0 {
		return nil, ErrEmptyToken
	}
	if _, err := ParseMatchMode(string(mode)); err != nil {
		return nil, err
	}

	return &Interpreter{
		token:  bytes.Clone(token),
		mode:   mode,
		pulser: pulser,
	}, nil
}

// Authorizes reports whether payload carries the trigger token. Comparisons
// take the same time for every payload of a given length.
func (i *Interpreter) Authorizes(payload []byte) bool {
	switch i.mode {
	case MatchContains:
		return containsConstantTime(payload, i.token)
	default:
		return subtle.ConstantTimeCompare(payload, i.token) == 1
	}
}

func containsConstantTime(payload, token []byte) bool {
	n := len(token)
	if len(payload) < n {
		return false
	}

	found := 0
	for off := 0; off+n <= len(payload); off++ {
		found |= subtle.ConstantTimeCompare(payload[off:off+n], token)
	}
	return found == 1
}

// HandlePacket pulses the relay for an authorized packet and ignores anything
// else. The only error it returns is a relay hardware fault; coalesced
// requests and rejected payloads are expected outcomes.
func (i *Interpreter) HandlePacket(ctx context.Context, pkt Packet) error {
	if pkt.From != nil {
		ctx = slogctx.Append(ctx, "remote", pkt.From.String())
	}

	if !i.Authorizes(pkt.Payload) {
		slog.DebugContext(ctx, "Ignoring payload", "size", len(pkt.Payload))
		return nil
	}

	slog.InfoContext(ctx, "Trigger accepted")
	err := i.pulser.Pulse(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrCoalesced):
		slog.InfoContext(ctx, "Trigger coalesced", "reason", err)
		return nil
	case errors.Is(err, relay.ErrHardware):
		return errors.Wrap(err, "pulsing relay")
	}

	slog.WarnContext(ctx, "Trigger dropped", "error", err)
	return nil
}

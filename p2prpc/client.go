package p2prpc

import (
	"context"
	"fmt"

	"github.com/ethdn/beaconcore/metrics"
	"github.com/ethdn/beaconcore/types"
)

// StatusRequest carries the local peer's status for a StatusV1 exchange.
type StatusRequest struct {
	Status types.PeerStatus
}

// BlockBySlotRequest asks a peer for the block in effect at Slot.
type BlockBySlotRequest struct {
	Slot types.Slot
}

// BlockBySlotResponse is the peer's answer to a BlockBySlotV1 request.
// Found is false when the peer has no block at or before Slot (e.g. its
// chain has not advanced that far).
type BlockBySlotResponse struct {
	Found bool
	Block types.SignedBlock
}

// GoodbyeRequest carries the reason a local peer is disconnecting.
type GoodbyeRequest struct {
	Reason DisconnectReason
}

// Client wraps a Protocol with the typed requests the Status Exchanger and
// Peer Chain Validator use. Protocol errors such as ErrProtocolTimeout and
// ErrProtocolClosed are returned unchanged; the validator turns any lookup
// error into its failed-lookup outcome.
type Client struct {
	proto *Protocol
}

// NewClient wraps an existing Protocol.
func NewClient(proto *Protocol) *Client {
	return &Client{proto: proto}
}

// RequestStatus exchanges status with peer. A successful exchange counts the
// peer as connected for diagnostic purposes (see SendGoodbye for the
// matching disconnect accounting).
func (c *Client) RequestStatus(ctx context.Context, peer string) (types.PeerStatus, error) {
	resp, err := c.sendWithContext(ctx, peer, StatusV1, StatusRequest{})
	if err != nil {
		return types.PeerStatus{}, err
	}
	status, ok := resp.Payload.(types.PeerStatus)
	if !ok {
		return types.PeerStatus{}, fmt.Errorf("p2prpc: malformed status response from %s", peer)
	}
	metrics.PeersConnected.Inc()
	return status, nil
}

// RequestBlockBySlot asks peer for the block in effect at slot. The bool
// result is false, with a nil error, when the peer genuinely has no block
// there; a non-nil error means the lookup itself failed (timeout, peer
// unreachable, rate-limited).
func (c *Client) RequestBlockBySlot(ctx context.Context, peer string, slot types.Slot) (types.SignedBlock, bool, error) {
	resp, err := c.sendWithContext(ctx, peer, BlockBySlotV1, BlockBySlotRequest{Slot: slot})
	if err != nil {
		return types.SignedBlock{}, false, err
	}
	body, ok := resp.Payload.(BlockBySlotResponse)
	if !ok {
		return types.SignedBlock{}, false, fmt.Errorf("p2prpc: malformed block_by_slot response from %s", peer)
	}
	return body.Block, body.Found, nil
}

// SendGoodbye notifies peer of a disconnect reason. Errors are not
// actionable (the connection is being torn down regardless) so callers may
// ignore them. The peer is counted as disconnected regardless of whether
// the goodbye message itself was delivered.
func (c *Client) SendGoodbye(ctx context.Context, peer string, reason DisconnectReason) error {
	_, err := c.sendWithContext(ctx, peer, GoodbyeV1, GoodbyeRequest{Reason: reason})
	metrics.PeersDisconnected.Inc()
	metrics.PeersConnected.Dec()
	return err
}

func (c *Client) sendWithContext(ctx context.Context, peer string, method MethodID, payload interface{}) (*ProtocolResponse, error) {
	timer := metrics.NewTimer(metrics.RPCRequestLatency)
	defer timer.Stop()

	type result struct {
		resp *ProtocolResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := c.proto.SendRequest(peer, method, payload)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

package server

import "github.com/aeolun/tessenger/pkg/protocol"

// HandshakeResult is the outcome of a p2p endpoint request
type HandshakeResult int

const (
	HandshakeReady HandshakeResult = iota
	HandshakeSelfAddressed
	HandshakeAudienceOffline
)

func (r HandshakeResult) String() string {
	switch r {
	case HandshakeReady:
		return "ready"
	case HandshakeSelfAddressed:
		return "self_addressed"
	case HandshakeAudienceOffline:
		return "audience_offline"
	default:
		return "unknown"
	}
}

// TransferBroker hands a presenter the data-channel endpoint of an audience
// member. The transfer itself runs directly between the two clients.
type TransferBroker struct {
	sessions *SessionManager
	metrics  *Metrics
}

// NewTransferBroker creates a broker over the session registry
func NewTransferBroker(sessions *SessionManager) *TransferBroker {
	return &TransferBroker{sessions: sessions}
}

// RequestEndpoint returns the audience's registered address and UDP port.
// A presenter naming itself is rejected before presence is checked, so no
// endpoint is disclosed.
func (b *TransferBroker) RequestEndpoint(presenter, audience, file string) (protocol.Endpoint, HandshakeResult) {
	endpoint, result := b.resolve(presenter, audience)
	if result == HandshakeReady {
		debugLog.Printf("P2P %s -> %s (%s) via %s", presenter, audience, file, endpoint)
	}
	b.metrics.RecordHandshake(result.String())
	return endpoint, result
}

func (b *TransferBroker) resolve(presenter, audience string) (protocol.Endpoint, HandshakeResult) {
	if presenter == audience {
		return protocol.Endpoint{}, HandshakeSelfAddressed
	}

	target, ok := b.sessions.Lookup(audience)
	if !ok {
		return protocol.Endpoint{}, HandshakeAudienceOffline
	}

	return protocol.Endpoint{
		Username: audience,
		Address:  target.Address,
		Port:     target.UDPPort(),
	}, HandshakeReady
}

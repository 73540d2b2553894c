// Package pubsub implements the channel-named broadcast fabric of §4.2
// with per-channel subscriber ordering.
// Two backends share one interface: Local (in-process fan-out, used
// standalone) and Etcd (cross-node, via watched key prefixes — see
// SPEC_FULL.md §0 for why Etcd stands in for a dedicated broker/MQ).
package pubsub

import "context"

// Channel names enumerated in §4.2.
const (
	ChannelSessionCreated  = "session:created"
	ChannelSessionEnded    = "session:ended"
	ChannelShareCreated    = "share:created"
	ChannelMessageRoute    = "message:route"
	ChannelRoutingRequest  = "routing:request"
)

// Message is one delivered publication.
type Message struct {
	Channel string
	Payload []byte
}

// PubSub is the channel fabric every component publishes to and
// subscribes from. Subscriptions are explicit, cancellable, and
// per-channel-ordered. Delivery is not guaranteed: Local drops a message
// for any subscriber whose buffer is full.
type PubSub interface {
	// Publish broadcasts payload, already encoded by the caller (see
	// EncodeEnvelope), on channel to every current subscriber.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers a new subscriber on channel. The returned
	// channel receives messages in publication order; cancel stops
	// delivery and releases the subscription. The returned channel is
	// closed after cancel is called.
	Subscribe(ctx context.Context, channel string) (msgs <-chan Message, cancel func())

	Close() error
}

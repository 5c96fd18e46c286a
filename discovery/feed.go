package discovery

import "peershare/models"

// KnownAdder accepts addresses into the known set.
type KnownAdder interface {
	AddKnown(address models.PeerAddress)
}

// FeedRegistry adds every upserted LAN peer to known until events is closed.
// Removals are ignored: a peer that stops advertising may still be reachable,
// and the discovery loop owns eviction.
func FeedRegistry(events <-chan Event, known KnownAdder) {
	for event := range events {
		if event.Type == EventPeerUpserted {
			known.AddKnown(event.Peer.Address)
		}
	}
}

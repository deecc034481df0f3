// Package notify carries change notices between writers and live subscriptions.
//
// A notice never carries the changed data itself, only which conversation or
// participant changed. Subscribers react by re-querying the store, so a
// dropped or duplicated notice costs at most a redundant query and a missed
// one is repaired by the next. LocalBus drops notices for slow subscribers
// instead of blocking the publisher.
//
// # Topics
//
//   - ConversationTopic(id): a message was added or read state moved
//   - ParticipantTopic(id): one of the participant's conversations changed
//
// # Backends
//
//   - LocalBus: in-process, for single-instance deployments and tests
//   - RedisBus: Redis PUBLISH/SUBSCRIBE, for several gateway instances
//   - NATSBus: NATS core subjects, for several gateway instances
//
// Notices published while RedisBus or NATSBus is disconnected are lost. When
// the connection comes back every live subscriber receives a KindResync
// notice so it re-reads current state instead of waiting for the next write.
//
// A subscription channel is closed when the subscription is cancelled, when
// the bus is closed, or when the backend loses the subscription. Consumers
// treat an unexpected close as a transient failure and resubscribe.
package notify

// Package event is the in-process pub/sub bus connecting the session loop
// to whatever is rendering it.
//
// Typed subscribers register per event type (or globally) and receive
// direct calls - asynchronously via Publish, inline via PublishSync when
// ordering against the caller matters. Every published event is also
// mirrored as JSON onto a watermill gochannel with a bounded buffer, which
// is the attachment point for middleware or alternate transports.
//
// Two event families share the bus: entity-update events (session.*,
// message.*, permission.*) that keep clients' state in sync, and
// progress.* events, the session loop's turn-by-turn narration from
// Thinking through Stop.
package event

// Package protocol defines the messages exchanged between the supervisor and
// its worker processes.
//
// Every message is an [Envelope]: a nonce, an integer [Tag] and a JSON
// payload whose shape is determined by the tag. Payloads are decoded by tag
// before dispatch using [Decode]:
//
//	switch env.Tag {
//	case protocol.TagHeartbeatProbe:
//	    probe, err := protocol.Decode[protocol.Heartbeat](env)
//	    ...
//	}
//
// Tags fall into four families: lifecycle, call/response, liveness and custom
// application traffic. Tags this package does not know are treated as custom
// traffic rather than errors, and payload fields a receiver does not know are
// carried through untouched.
//
// Workers receive an immutable [Bootstrap] record at spawn time describing
// their cluster id, shard assignment and supervision mode.
//
// Errors raised inside a worker cross the boundary as [RemoteError].
package protocol

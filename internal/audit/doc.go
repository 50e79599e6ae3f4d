// Package audit buffers governance events and hands them to a Sink off the
// request path.
//
// The package owns buffering and delivery only. Which events exist, when
// they fire and which of them are critical is decided by the engine. Under
// Config.DropIfFull a full buffer drops routine events and counts them, while
// critical ones such as refresh reuse wait a bounded time for room.
package audit

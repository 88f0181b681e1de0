package api

const patchMaxSize = 64 * 1024 // 64 KiB

// headerIdempotencyKey dedupes rapid resubmissions of the same logical
// mutation; headerSessionID lets the relay skip echoing the committed event
// back to the originating websocket session.
const (
	headerIdempotencyKey = "Idempotency-Key"
	headerSessionID      = "X-Session-Id"
	headerActorName      = "X-Actor-Name"
)

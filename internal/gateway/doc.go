// Package gateway serves the agent-relay HTTP API.
//
// # Overview
//
// The gateway owns the HTTP server and wires the pieces behind it: the
// message store, the stream log store chosen by registry.backend, the
// resumable stream registry, the upstream client, and the chat service.
//
// # HTTP API
//
//   - POST /api/chat - Send a prompt (SSE streaming response)
//   - GET /api/chat/stream?chat_id=X - Resume the chat's most recent stream
//   - GET /api/streams/{id} - Resume a stream by id
//   - DELETE /api/streams/{id} - Abort a running generation
//   - GET /api/chats/{id}/messages - List persisted messages
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (stores reachable)
//
// # SSE Streaming
//
// Every stream opens with a started event, followed by the normalized
// events of the generation in order:
//
//	event: started
//	data: {"stream_id": "...", "chat_id": "...", "resumable": true}
//
//	event: text_delta
//	data: {"type": "text_delta", "text": "Hello"}
//
//	event: status
//	data: {"type": "status", "phase": "call", "label": "Searching"}
//
//	event: finish
//	data: {"type": "finish", "reason": "stop"}
//
// Event types: started, text_delta, status, tool_call, finish, error, and
// message (a restored reply, sent alone).
//
// Resuming replays the stream from its first event. A resume request gets
// 204 when resumable streams are disabled or there is nothing to resume.
// A prompt for a chat that is already generating gets 409 with the active
// stream_id so the client can resume it instead.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks; shuts down when ctx is cancelled
package gateway

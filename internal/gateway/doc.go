// Package gateway serves the tenantline messaging core to UI surfaces.
//
// # Overview
//
// The gateway owns the store, the change bus, the attachment pipeline and the
// messaging service, and exposes them over one HTTP server. The listener is
// plain TCP or a Tailscale node (optionally HTTPS or Funnel).
//
// # HTTP API
//
// All /api and /ws routes pass through auth.HTTPAuthMiddleware:
//
//	POST /api/conversations                      {other_id, scope_ref?} -> {conversation_id}
//	GET  /api/conversations                      one-shot conversation list
//	GET  /api/conversations/stream               SSE "snapshot" events, "error" on failure
//	GET  /api/conversations/{id}/messages        history, ?before_seq=N&limit=N
//	POST /api/conversations/{id}/messages        JSON {body} or multipart body + file
//	GET  /api/conversations/{id}/messages/stream SSE thread snapshots
//	POST /api/conversations/{id}/read            optional {up_to_seq}, 204
//	POST /api/conversations/{id}/archive         204
//	GET  /ws                                     WebSocket multiplexer
//
// Unauthenticated:
//
//	GET /health        liveness
//	GET /health/ready  store ping
//	GET /files/...     stored attachments
//
// Messages carry body_html, the body rendered from Markdown with raw HTML
// escaped.
//
// # Errors
//
// Service errors map to statuses: conversation not found 404, not a member
// 403, validation 400, attachment upload 422, duplicate Idempotency-Key 409,
// send rate exceeded 429 and transient store or subscription failures 503.
//
// # WebSocket
//
// Clients send {"op": ..., "id": ...} frames:
//
//	subscribe_conversations
//	open_popup   {conversation_id}
//	close_popup
//	send         {conversation_id, body}   id doubles as idempotency key
//	mark_read    {conversation_id, up_to_seq?}
//
// The server answers with "ack" or "error" frames carrying the same id, and
// pushes "conversations" and "messages" snapshot frames. The open popup marks
// incoming messages read while it stays open.
package gateway

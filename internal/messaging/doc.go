// Package messaging is the conversation core: the directory of canonical
// two-party conversations, the ordered message channel, read-state tracking
// and live subscriptions for UI surfaces.
//
// # Operations
//
//	svc := messaging.New(store, bus, uploads, messaging.Config{}, logger)
//
//   - GetOrCreateConversation(ctx, requester, other, scopeRef): canonical id
//   - SubscribeToConversations(ctx, participant): live list by recency
//   - SubscribeToMessages(ctx, conversation): live thread
//   - SendMessage(ctx, conversation, sender, content): upload then append
//   - MarkMessagesAsRead(ctx, conversation, participant): advance watermark
//
// # Conversation Identity
//
// ConversationID hashes the sorted participant pair and the scope, so
// creation is an insert-if-absent keyed write. Concurrent callers in one
// process share a single write through singleflight; other processes
// converge on the same row.
//
// # Consistency
//
// Every write touching lastMessage, unreadCounts or a watermark runs inside
// one store.Transact. After commit a change notice is published on the
// conversation topic and on each member's participant topic. Subscriptions
// re-query on notices rather than applying them, so lost or duplicated
// notices never corrupt what a surface sees.
//
// # Popup
//
// A Popup owns the "which conversation is open" state for one session and
// marks incoming messages read while a conversation is open.
package messaging

// Package chat contains the live chat feed client and the chat recorder.
//
// It provides two entrypoints:
//   - Open: connects to /ws/chat under the WebSocket base URL and keeps every
//     received message in arrival order. Send writes an outbound message under
//     the current user's display name, and only while the feed is open and a
//     user is signed in; otherwise the message is dropped without error.
//   - Recorder: persists received messages into the chat_messages table when
//     CHAT_RECORD=1. It runs on its own goroutine so a slow database never holds
//     up the feed reader.
//
// Nothing is replayed on connect: a fresh channel only sees messages sent after
// it opened.
package chat

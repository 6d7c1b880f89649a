// Package relay exposes a store.Store over a WebSocket so peers on different
// hosts can exchange signaling records.
//
// The server side (Server) serves one connection per peer against a shared
// store. The client side (Client) implements store.Store by forwarding each
// call as a request frame and fanning child frames out to subscriptions.
package relay

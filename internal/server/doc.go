// Package server implements the RelayChat relay engine.
//
// The Hub serves every reliable connection from a single goroutine driven by
// an epoll readiness loop and owns the name registry. The UnicastRelay runs
// its own receive loop over one UDP socket and owns the peer set. Browser
// clients reach the Hub through the WebSocket gateway, which posts commands
// into the loop instead of touching its state.
package server

// Package server implements the chat relay: a WebSocket server that
// authenticates connections against stored credentials, keeps a registry of
// which identity is online on which connection, routes point-to-point
// messages between online users, and answers history requests from the
// conversation log.
//
// The implementation is organized into files for configuration, hub and
// session registry management, clients, the command dispatcher, wire frames,
// routing, and HTTP handlers.
package server

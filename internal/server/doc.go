// Package server hosts the primary process's Fiber service: the loopback IPC
// endpoint that worker processes call, request-id and panic recovery
// middleware, and the Dispatcher that maps IPC method names onto the
// incremental cache facade. Diagnostics routes live in server/routes and are
// registered by main.
package server

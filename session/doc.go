// Package session defines the per-connection session handle and the filter
// pipeline its events flow through.
//
// Layers & Roles
//
//	Transport      -> owns the raw connection and produces channel events
//	channel        -> bridges those events onto the session's pipeline
//	Pipeline       -> ordered filters ending in the application Handler
//	Registry       -> process-wide id -> session index of active sessions
//
// # Pipelines
//
// Transports give every session its own Chain, but events still carry the
// session they belong to, so a session can be re-aligned onto another
// pipeline (for example after a protocol upgrade) with SetPipeline. Code
// delivering events must call Session.Pipeline() for every event instead of
// caching the result.
//
// # Lifecycle
//
// LifecycleProcessor fires SessionOpened when a session is added and
// SessionClosed exactly once when it is removed, no matter how many close
// notifications arrive.
package session

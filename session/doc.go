// Package session houses core.CheckpointStore implementations. A checkpoint
// is the resumable position of one workflow run: the committed state and the
// frontier of stages that run next. The engine saves one after every
// execution step and on suspension so a paused run resumes exactly where it
// stopped.
//
// Add durable backends in sub-packages without changing calling code; only
// the wiring layer decides which implementation to instantiate.
package session

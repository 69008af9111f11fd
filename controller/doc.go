// Package controller provides admission control for workflow runs and a
// per-session cache of compiled graphs.
//
// The Controller is a counting semaphore with a visible FIFO queue: callers
// learn their position and an estimated wait (position × average run
// duration) before they block. The GraphCache is an LRU bounded by entry
// count with a TTL on top; expired entries are dropped on access and count as
// misses. Both export Prometheus metrics when given a Registerer.
package controller

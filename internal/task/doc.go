// Package task implements the durable, priority-ordered background task
// queue: task records and results, the handler registry, and the worker
// pool with timeout, retry-with-backoff, scheduling, expiry and
// cancellation semantics.
package task

// Package store provides persistence abstractions shared by the durable
// task queue and the pipeline checkpoint stores, along with the sentinel
// errors their implementations return.
package store

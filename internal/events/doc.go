// Package events carries pipeline progress events from the orchestrator to
// streaming consumers without coupling either side to the other.
package events

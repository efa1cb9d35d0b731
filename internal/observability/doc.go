// Package observability records domain events from the task engine as JSON
// Lines and derives metrics and alerts from that log on demand.
package observability

// Package channel delivers reminders to the destination named by a task's
// channel reference ("scheme:target").
//
// The Router picks a Handler by scheme, rate limits sends, retries transient
// failures briefly and reports one Result per delivery. It never mutates
// the task; retry bookkeeping across ticks belongs to the fire loop.
package channel

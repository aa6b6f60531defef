// Package fireloop periodically claims due tasks from the store, hands each
// one to the channel router and records the outcome.
//
// Claims are taken on the loop goroutine; deliveries run concurrently, so a
// slow channel never delays the next claim. Delivery is at-least-once: a
// worker that dies after sending but before Advance lets the lease expire
// and the task fires again.
package fireloop

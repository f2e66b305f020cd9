// Package port implements message-passing ports: bounded FIFO queues
// with blocking send/receive, direct hand-off to parked receivers,
// capability transfer in message envelopes, and drop-oldest event
// subscriptions with a visible drop counter.
package port

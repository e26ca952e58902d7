/*
Package hub broadcasts broker notifications to connected clients.

Broadcast takes an immutable snapshot of the subscriber set under a short
critical section and spawns one independent send goroutine per subscriber.
Each delivery carries its own deadline measured from the broadcast call, so
one slow or broken peer never blocks another and the hub never queues beyond
its in-flight send goroutines. A failed or timed-out send unregisters the
connection.

Per-subscriber deliveries are chained so they arrive in Broadcast call
order; across subscribers there is no global order.
*/
package hub

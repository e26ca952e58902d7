/*
Package broker composes the execution broker: the durable store, kernel
supervisor, scheduler, notification hub, and asset manager, assembled
behind the client API.

The wiring order matters in one place: the supervisor's launch hook hands
every fresh kernel's output stream to the scheduler before Ensure
returns, so output routing exists before the first request can reach the
kernel.
*/
package broker

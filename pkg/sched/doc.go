/*
Package sched dispatches durable execution rows to kernels.

Each notebook has one session worker draining a bounded queue, so a
notebook's cells run strictly one at a time while different notebooks
proceed in parallel. Submit checks queue capacity before it persists: a
full queue is rejected with nothing written, so the same task id can
simply retry, and a nil return means the row is durable and queued.

The dispatch loop is event-driven end to end. It waits on the execution's
completion signal from the demultiplexer, a timeout timer, or a
cancellation, whichever fires first, and records exactly one terminal
status. Restore replays the journal after a restart: every non-terminal
row goes back on its queue in creation order and is re-dispatched once.
*/
package sched

/*
Package mux demultiplexes a kernel's output stream into per-execution
records.

Frames are routed by their kernel-issued parent id. Frames that arrive
before the scheduler binds the id land in a bounded per-parent ring (the
orphan buffer); Bind drains the ring in arrival order, so client-side
registration delays of any length are safe up to the ring capacity. Ring
overflow drops the oldest frame for that parent; there are no time-based
drops and no clock reads on the routing path.

Within one parent id the order observed downstream is exactly kernel
arrival order. Completion is signaled exactly once, on the first terminal
idle frame; frames arriving after completion are recorded but change no
state. When the output channel closes (kernel death or fatal read error)
every still-incomplete execution is failed.
*/
package mux

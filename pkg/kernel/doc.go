/*
Package kernel launches and supervises interpreter subprocesses.

One kernel serves one notebook. The wire is newline-delimited JSON:
requests down stdin, output frames up stdout, each output carrying the
msg_id of the request that caused it as parent_id. Any frame counts as a
heartbeat; the Watch loop pings idle kernels and kills ones silent past
the liveness grace. Kernel death surfaces as the handle's output channel
closing.

The pool is capped: Ensure refuses new launches past max_kernels with
ErrResourceExhausted rather than queueing.
*/
package kernel

/*
Package storage provides the durable journal for the stoker broker.

The Store interface is implemented by BoltStore, backed by a single bbolt
file with three buckets:

	executions   task_id -> execution record (JSON)
	leases       asset_path -> asset lease (JSON)
	meta         schema_version

# Durability

bbolt commits every update transaction with an fsync, so Enqueue returning
nil means the pending row survived a process kill. Only then may the caller
acknowledge the submission. Readers run in View transactions and never block
the single writer.

# State machine

Status transitions are validated inside the update transaction:

	pending ──> running ──> completed | failed | cancelled | timeout
	pending ──────────────> cancelled

Repeating the current status is a no-op, terminal states are immutable, and
any other transition returns ErrInvalidTransition. Transitions after the
Enqueue critical path go through WithRetry (capped exponential backoff);
Enqueue itself is never retried - an I/O failure there is fatal for the
submission.

# Schema migration

migrate() runs under an exclusive update transaction at open. Migrations are
forward-only; opening a store written by a newer schema fails.
*/
package storage

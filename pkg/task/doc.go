/*
Package task implements the Task Record and History: the
mutable per-task entity created on admission, and the bounded-retention
ring of finished records kept for GET /history.

All mutation methods are timestamped and are only ever called by the
Supervisor under its record mutex; readers take a value copy (Snapshot)
under that same mutex via the Supervisor's snapshot methods.
*/
package task

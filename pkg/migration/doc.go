/*
Package migration holds the wire protocol and session state machine
shared by the Migration Send Process (cmd/cnagent-migrate send) and the
Migration Receive Process (cmd/cnagent-migrate receive): a
line-delimited JSON request/response/event envelope correlated by
eventId, plus the SyncState state machine both sides sequence a sync
run through.

	coordinator                  send                       receive
	    |--- sync (control) ------->|                           |
	    |                           |--- get-zfs-snapshot-names->|
	    |                           |<-- response ----------------|
	    |                           |--- get-zfs-resume-token --->|
	    |                           |<-- response ----------------|
	    |                           |--- sync (bulk) ------------>|
	    |                           |====== zfs send bytes ======>|
	    |                           |<-- sync-success ------------|
	    |<-- progress (1Hz) --------|                           |

Both processes exchange the same Envelope shape over the same
newline-delimited-JSON framing pkg/ipc uses for worker IPC, but the
message itself carries different fields (command, eventId, a
discriminated request/response/error/event type) so it is its own small
codec rather than a literal reuse of ipc.Message. The zfs send bytes
of a bulk phase travel as length-prefixed chunks (BulkWriter/
BulkReader) ending in a zero-length terminator, so the line framing —
and with it the sender's cleanup commands and any further datasets —
resumes on the same connection once the stream completes.
*/
package migration

/*
Package ipc implements the Worker IPC Codec: the newline-delimited JSON
message schema a forked worker process exchanges with the Supervisor
over a dedicated control channel.

Each line is one JSON object with a "type" discriminator. Child-to-parent
message types: ready, event:start, event:progress, event:<name>,
event:finish, event:error, event:task_validated, exception, log, subtask.
Parent-to-child: start, subtask. One direction is parent-to-child
control, the other is the newline-delimited event stream, each carried
over its own one-way pipe so a write on one side never blocks a
read on the other.
*/
package ipc

/*
Package receive implements the Migration Receive Process: a
long-lived process, one per inbound migration, run as
`cnagent-migrate receive` (cnagentd does not start it). It binds a TCP listener on the
admin IP and services the same control protocol as pkg/migration/send's
peer commands (ping, get-zfs-resume-token, get-zfs-snapshot-names,
stop), switching the control connection from line-delimited JSON to the
length-prefixed bulk framing that feeds a zfs receive stream the moment
a "sync" command with a bulk payload arrives, and back to line-delimited
JSON once the bulk terminator arrives.
*/
package receive

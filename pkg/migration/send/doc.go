/*
Package send implements the Migration Send Process: a
long-lived process, one per active outbound migration, run as
`cnagent-migrate send` (cnagentd does not start it). It binds a TCP listener on the admin
IP, accepts exactly one control connection from the coordinating
controller, and drives the sync run state machine in pkg/migration
against a peer Migration Receive Process.
*/
package send

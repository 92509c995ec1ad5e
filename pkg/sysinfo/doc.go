/*
Package sysinfo maintains the node's system-state sample and publishes
it to the controller: a single owning goroutine refreshes a cached
sample (zone list, zpool capacity, memory counters, disk usage
breakdown, boot time) on a dirty flag or a 60s floor, and publishes it
over NATS on a 5s heartbeat tick plus an on-demand "zone-event" tick
when a state transition marked the sample both dirty and ready.

Two watchers feed the dirty flag: ZoneEventWatcher streams zone
state-transition events from a child process, and FileWatcher watches
the zones configuration directory for mtime changes. Both are
self-healing and re-arm after a 5-second backoff on any error.
*/
package sysinfo

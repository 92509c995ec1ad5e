/*
Package guard implements the provision guard: a filesystem-path state
flag used to serialize concurrent provisioning attempts for the same
VM uuid across process restarts, probing a well-known path rather than
holding an in-memory lock.

	/var/tmp/machine-provision-<uuid>

is created empty by CreateGuard and removed by Release. AwaitReady polls
for its disappearance, reconciling a crashed provisioner by treating a
guard file older than its expiry as absent.
*/
package guard

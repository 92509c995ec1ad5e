/*
Package zfs adapts git.dolansoft.org/lorenz/go-zfs's raw ioctl wrappers
into the handful of dataset/snapshot operations the migration state
machine needs: enumerating migration snapshots in creation order,
creating and destroying them, estimating a send stream's size, and
opening the actual send/receive streams. Every exported function here
except DecodeResumeToken (a pure nvlist decode) is a thin,
migration-shaped veneer over one kind of `ioctl.*` call — it does not
attempt to be a general ZFS client.
*/
package zfs

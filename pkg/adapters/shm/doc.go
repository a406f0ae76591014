// Package shm provides Linux shared-memory building blocks: memfd-backed
// regions that can be mapped by another process, and eventfd wakeups for
// trigger targets living in another process.
//
// On other platforms every constructor fails with domain.ENOTSUP and the
// daemon falls back to heap memory.
package shm

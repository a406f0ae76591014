/*
Package ports defines the driven ports (interfaces) of the patchbay engine.

These interfaces decouple the graph core from processing units, persistence
backends and wakeup transports, so that the same negotiation and scheduling code
drives in-process units, units in another process and any snapshot store.

# Key Interfaces

  - Plugin: the processing-unit contract consumed by ports and links.
  - Signaler: a one-shot wakeup primitive bound to a trigger target.
  - SnapshotStore: persists graph introspection snapshots.
  - LeaseLocker, Lease: keep two daemons from running the same graph name.
  - Controller: the control surface driven by the HTTP and MCP adapters.
*/
package ports

/*
Package domain defines the core types shared by the patchbay engine, its ports and
its adapters.

It contains the port and link state enumerations, the POSIX-style error codes used
by the processing-unit contract, the buffer descriptor model, the shared I/O cell
and activation block layouts used at run time, lifecycle hooks for observability,
and the snapshot types produced for introspection.

The package has no behaviour of its own beyond small helpers; the state machines
live in the runtime.
*/
package domain

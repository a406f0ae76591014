/*
Package remote runs a processing unit in another process.

Serve exposes a local ports.Plugin over a Conn; Client implements ports.Plugin
on the other end. The server pushes the unit's ports and parameter lists when
the session starts and after every change, so the client answers enumerations
from its cache without blocking on I/O. SetParam and UseBuffers are always
asynchronous on the client: they return the request sequence and the reply
completes through the listener.

Frames are msgpack-encoded Messages. A StreamConn carries them length-prefixed
over any byte stream; on Linux a SeqpacketConn also passes file descriptors, so
memfd-backed buffer memory is shared instead of copied.
*/
package remote

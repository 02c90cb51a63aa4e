package protocol

// This package implements encoding and decoding of RESP, the protocol Redis
// speaks with its clients, in both the RESP2 and RESP3 dialects.
//
// - `Command` - An ordered list of arguments sent by the client. The first one
//               is the command name.
// - `Value`   - A single decoded reply. Aggregates nest arbitrarily deep.
// - `Reader`  - Decodes one reply at a time from a buffered stream.
// - `Writer`  - Encodes a batch of commands, or replies, with a single write.
//
// === General Syntax
//
// - lines are `\r\n` delimited
// - every reply starts with a one byte type tag
// - bulk payloads are length prefixed and binary safe
//
// Commands always travel as an array of bulk strings
//
//   ```
//     *2\r\n
//     $3\r\nGET\r\n
//     $3\r\nkey\r\n
//   ```
//
// === Reply tags
//
//   ```
//     +  status            -  error             :  integer
//     $  bulk string       *  array
//     _  null              #  boolean           ,  double
//     (  big number        !  blob error        =  verbatim string
//     %  map               ~  set               >  push
//   ```
//
// `$-1` and `*-1` are the RESP2 spelling of null. A map of n entries is
// followed by 2n values. A verbatim string carries a three byte format and a
// colon inside its length, e.g. `=8\r\ntxt:abcd\r\n`.
//
// === Push replies
//
// A push is the only reply the server sends without a matching request. The
// Reader only accepts one at the top level, and only while its push predicate
// says the connection is subscribed. Anything else is a desync.
//
// === Errors
//
// Malformed input produces a *ProtocolError and breaks the Reader: the stream
// position is unknown, so the connection it belongs to must be dropped. Error
// replies from the server are ordinary values and become a *ServerError when
// converted.

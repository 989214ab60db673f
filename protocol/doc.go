/*
Package protocol defines the messages exchanged between a terminal client and the execution server, and a connection type that carries them.

Each message is one UTF-8 JSON text frame on a WebSocket connection, with a "type" field that selects its shape:

	client->server  {"type":"execute","code":"..."}
	client->server  {"type":"input","input":"..."}
	server->client  {"type":"output","stream":"stdout"|"stderr","data":"...","seq":N}
	server->client  {"type":"complete","exit_code":N,"duration_ms":N}
	server->client  {"type":"error","message":"...","code":"..."}

A session proceeds as follows:

1. The client opens a WebSocket connection with the server.
2. The client sends an execute message containing the program text.
3. The server streams output messages while the program runs, and the client may send input messages, each of which becomes one line on the program's stdin.
4. When the program ends the server sends exactly one complete or error message, and nothing for that program after it.
5. The client closes the connection. Closing it early kills the program.

Malformed frames are answered with an error message with code PROTOCOL_ERROR, and the connection stays open.
*/
package protocol

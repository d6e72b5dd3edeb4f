// Package message defines the wire model shared by the broker, the
// point-to-point transport and the streaming channels.
//
// Every message is a pair of Hashes: a header with routing information and a
// body carrying the positional arguments a1..aN of a call, request, reply or
// signal. Both are encoded as one JSON object:
//
//	{"header": {"signalInstanceId": "greeter", ...}, "body": {"a1": "Hello"}}
//
// Decoding keeps numbers as json.Number so integers survive unchanged.
// Convert turns decoded values into the Go types a slot handler or reply
// receiver declares, and reports mismatches as cast errors.
//
// Header helpers encode the slot routing lists used by signal emission:
// instance ids are joined as "|a||b|" and slot functions per instance as
// "|a:slot1,slot2||b:slot3|".
package message

// Package doip implements the DoIP (ISO 13400-2) transport and session layer.
//
// This includes the generic header codec and typed payloads, the Executor
// that serializes every stateful entity, the entity-side Channel and
// UDPConnection with their Manager, the tester-side TCPClient, the
// diagnostic Conversation with its P2/P2* state machine, and the vehicle
// discovery conversation.
//
// Network receive paths never send responses themselves: they enqueue a
// task on the owner's Executor and return. State shared between a receive
// path and a waiting sender is guarded by the owner's mutex.
package doip

// Package session contains the coordinating state machine for one capture
// session. Every other component posts events into the coordinator's event
// loop and shares no session state outside it: the capture source feeds it
// samples, the transport reports acks and failures, the health monitor
// gates recovery from offline, and each cut chunk is routed by current
// state to either the live transport or the durable queue. That single
// routing rule is what guarantees no captured audio is lost.
package session

// Package liveness detects the loss of a coordination session.
//
// Connectivity libraries report a disconnect as soon as it happens, yet the
// session on the server side, and every session-bound lock with it, stays
// valid until the negotiated session timeout elapses. A Monitor probes the
// backend on a fixed cadence and drives a three state machine:
//
//	CONNECTED -> SUSPECT   first failed probe, disconnect time recorded
//	SUSPECT   -> CONNECTED successful probe
//	SUSPECT   -> EXPIRED   still failing after the session timeout
//	any       -> EXPIRED   backend reports the session as expired
//
// EXPIRED is terminal: the monitor emits EventExpired once, stops polling
// and closes its event channel. Locks taken through that session must be
// treated as lost.
package liveness

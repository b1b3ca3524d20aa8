// Package lock implements a cross-process mutex on top of a backend.Backend.
//
// Ownership is proven by an opaque token chosen per acquisition: the token
// is stored as the lock value by a conditional set, and release deletes the
// key only if it still holds that token, in one atomic backend step. The
// client keeps no per-key state, so a token belongs to one logical critical
// section rather than to the client that issued it. There is no reentrancy
// and no fairness: a second acquire by the same caller is just another
// contender.
//
// Blocking acquires serialize their retries on a local mutex shared by all
// goroutines using the same Client. That mutex only throttles local retries;
// exclusion across processes comes entirely from the backend.
//
// When a Client is bound to a liveness.Monitor, every operation fails with
// errors.ErrSessionExpired once the session expired and every Handle taken
// through it reports itself invalid.
package lock

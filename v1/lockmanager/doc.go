// Package lockmanager runs units of work under a named, cross-process mutual
// exclusion lock.
//
// A call to Run goes through four stages. The caller first waits for its
// turn in the local admission queue for the key, so only one goroutine per
// process polls the store for a given key. It then polls the store at a
// fixed interval until it stores its token or the maximum wait elapses. The
// unit of work runs with a watchdog armed for the lease duration, and the
// lock is released with a token-checked delete on every exit path.
//
// Known limitation: when the watchdog fires the lease has expired while the
// work is still running, so another process may acquire the lock and run
// concurrently. The watchdog only logs and counts this; it never interrupts
// the work. Choose leases well above the expected execution time, or call
// Extend with the context handed to the work to renew the lease while it
// runs.
//
// TryRun makes a single attempt instead of polling and reports whether the
// work ran.
package lockmanager

// Package route plans and tracks the establishment of a connection to a
// target host, possibly through a chain of proxies.
//
// The package has three parts that never perform I/O themselves:
//
//   - [Route] is an immutable description of a wanted connection: the target,
//     an optional local bind address, the ordered proxy chain, and whether
//     the connection is tunnelled end-to-end, has a protocol layered on top,
//     and is secure.
//   - [Tracker] records the progress of one connection attempt as the caller
//     reports each low-level event (connect, tunnel, layer).
//   - [NextStep] is a pure planner: given the wanted route and the tracker's
//     current snapshot it returns the single next [Step].
//
// A connection-establishment loop drives all three:
//
//	t, _ := route.NewTrackerFor(r)
//	for {
//	    step, err := route.NextStep(r, t.ToRoute())
//	    if err != nil {
//	        return err // unreachable: a bug in the loop, never retried
//	    }
//	    switch step {
//	    case route.StepComplete:
//	        return nil
//	    case route.StepConnectTarget:
//	        // dial r.TargetHost() ...
//	        t.ConnectTarget(secure)
//	    // ...
//	    }
//	}
//
// Package establish in this module is such a loop over real sockets and HTTP
// CONNECT proxies.
//
// Route is safe to share and to use as a pool key (see [Route.Key]). A Tracker
// belongs to a single connection attempt and must not be mutated
// concurrently.
package route

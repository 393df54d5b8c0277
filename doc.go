// Package aggrd implements a weather observation aggregation server. Content
// servers PUT JSON observations over a line-based text protocol; read clients
// GET the latest observation per station. Every request carries a Lamport
// clock value, and the server totally orders the work it admits by that
// clock: lower-clock requests apply first, ties break by arrival.
//
// The server keeps all records in memory and snapshots them to a JSON file
// whenever the store has been dirtied, so both the observations and the
// logical clock survive a restart. Records that are not refreshed within the
// configured TTL are removed by a background sweeper.
//
// A minimal deployment:
//
//	cfg := aggrd.Config{
//		Listen:   ":4567",
//		StateDir: "/var/lib/aggrd",
//	}
//	srv, err := aggrd.NewServer(cfg, aggrd.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//
// Start blocks while serving; Shutdown drains connections, stops the
// background loops, and writes a final snapshot. The client package provides
// matching GET/PUT helpers that maintain their own Lamport clock.
package aggrd

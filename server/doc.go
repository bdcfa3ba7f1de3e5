// Package server implements an FTP server that runs behind a PROXY protocol
// load balancer and multiplexes every FTP port onto a single listening socket.
//
// # Overview
//
// A TCP proxy (HAProxy, an AWS NLB, Envoy, ...) forwards the public control
// port and a whole range of passive data ports to one internal port, and
// prefixes every connection with a PROXY protocol header. The server reads
// that header and uses the port the client originally dialed to decide what
// the connection is:
//   - the control port starts an FTP session;
//   - a port of the passive range is a data connection, and is handed to the
//     session that reserved that port for that client address;
//   - anything else is closed.
//
// Only passive mode is supported, and transfers are always binary.
//
// # Getting Started
//
//	driver, err := server.NewFSDriver("/srv/ftp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	s, err := server.NewServer(":2121",
//	    server.WithDriver(driver),
//	    server.WithControlPort(21),
//	    server.WithPassivePortRange(40000, 40100),
//	    server.WithPassiveHost("ftp.example.com"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// The matching HAProxy configuration sends ports 21 and 40000-40100 to the
// server with send-proxy (v1) or send-proxy-v2.
//
// # Passive Ports
//
// PASV reserves a free port of the range for the requesting client address.
// The reservation lasts until the data connection arrives, the session ends,
// or the reservation TTL (WithReservationTTL) passes. A second PASV replaces
// the first. When the range is exhausted, PASV fails with 425.
//
// The address advertised in 227 replies is WithPassiveHost if set, otherwise
// the proxied destination of the control connection. PASV can only encode
// IPv4 addresses.
//
// # Commands
//
// USER, PASS, QUIT, NOOP, SYST, TYPE, PWD, CWD, CDUP, PASV, STOR, RETR and
// STOU. STOU stores the upload under a server-generated unique name, which is
// returned in the 150 reply.
//
// STOR and RETR issued after PASV wait briefly for the data connection to be
// routed. STOU does not: it answers 425 unless the data connection has
// already been matched to the session. A client that connects the data
// socket and sends STOU at once may see 425 and should retry.
//
// # Custom Drivers
//
// Implement Driver and ClientContext to serve files from anything other than
// the local filesystem.
//
// # Logging and Metrics
//
// The server logs with log/slog; set a logger with WithLogger. Routing and
// transfer outcomes can be exported through WithMetricsCollector.
package server

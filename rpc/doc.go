// Package rpc implements the JSON request/response protocol spoken by TES instrument servers.
//
// A request is a single JSON object written to a TCP connection:
//
//	{"method": "scan_point_start", "params": [0, 1718035200.5], "kwargs": {"k": "v"}}
//
// "params" and "kwargs" are omitted when empty. The server answers with exactly one object:
//
//	{"response": <result or error text>, "success": true|false}
//
// There is no error code. Every response with success set to false is one uniform failure
// kind, reported to callers as a *RemoteError.
//
// Client:
//
// The Client opens a fresh TCP connection per call, writes one request, reads one complete
// response with a streaming decoder bounded by a maximum size and closes the connection on
// every exit path. It never pools connections and never retries.
//
//	cfg, _ := rpc.NewClientConfig("127.0.0.1", 4000, rpc.WithCallTimeout(10*time.Second))
//	client, _ := rpc.NewClient(cfg)
//	ts, err := rpc.CallAs[float64](ctx, client, "scan_point_start", 0, float64(time.Now().Unix()))
//
// Server:
//
// The Server accepts one connection at a time and processes one JSON message at a time within
// that connection. Requests are routed by a Dispatcher, an explicit method table populated at
// start-up with Register, MustRegister and RegisterAttribute. Malformed input, unknown methods,
// handler errors and handler panics are all answered with success=false; none of them stops the
// server. Only Close does.
package rpc

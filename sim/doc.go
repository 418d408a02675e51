// Package sim provides a simulated TES instrument server.
//
// Instrument implements the remote methods consumed by a tes.Detector and registers them on an
// rpc.Dispatcher. It keeps a history of every call, which makes it useful both as a stand-in
// server for local runs and as a fixture in tests.
package sim

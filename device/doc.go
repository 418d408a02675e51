// Package device is a thin device shim for detectors driven through an rpc.Caller.
//
// It provides completion statuses, signals backed by remote attribute accessors, in-memory
// soft signals and an external file reference slot that carries datum ids.
package device

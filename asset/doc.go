// Package asset composes the Resource and Datum records that describe externally stored data
// and caches them until an orchestrator collects them.
//
// A Resource names a file (root plus a relative resource path) written by the instrument once
// per staged run. A Datum points at one acquired point inside that Resource. Every Datum is
// created by the DatumFactory of its Resource, so its id is "<resource uid>/<n>".
//
// Documents are collected through a Cache that hands out each record exactly once, in the order
// it was appended.
package asset

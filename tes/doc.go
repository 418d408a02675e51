/*
Package tes drives a remote TES (transition-edge sensor) detector instrument.

A Detector talks to the instrument server through an rpc.Caller and exposes two acquisition
lifecycles that share one session state machine:

	Idle -> Staged -> Scanning -> Completing -> Collected

Fly scans call Kickoff, then Trigger and Collect any number of times, then Complete and a final
Collect. Step scans call Stage, then Trigger and Read per point, then Unstage.

Trigger starts each point in the background: scan_point_start, the acquire wait, then
scan_point_end. Collect feeds the background scan worker one instruction per call and returns
the events produced since the previous call.

Every enabled ROI channel composes one asset Resource per run and one Datum per point. The
documents are drained with CollectAssetDocs.

Configuration uses functional options:

	cfg, err := tes.NewConfig(
		tes.WithAcquireTime(500*time.Millisecond),
		tes.WithFileMode(tes.FileModeStartStop),
	)

or a TOML file loaded with LoadConfigFile.
*/
package tes

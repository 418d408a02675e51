package tes

// StartDocument is the subset of a run-start notification the detector cares about.
type StartDocument struct {
	Motors   []string `json:"motors"`
	Sample   string   `json:"sample"`
	SampleID any      `json:"sample_id"`
	UID      string   `json:"uid"`
	ScanID   int      `json:"scan_id"`
}

// ScanContext carries the run metadata sent with scan_start and calibration_start.
type ScanContext struct {
	// VarName is the scanned variable, usually the first motor of the run.
	VarName string
	// ScanNum is the run number.
	ScanNum int
	// SampleID identifies the sample; a string or a number as found in the start document.
	SampleID any
	// SampleDesc describes the sample.
	SampleDesc string
	// Extra is forwarded verbatim to the instrument.
	Extra map[string]any
}

// NewScanContext builds the scan context of a run from its start document.
// A run without motors scans defaultVarName.
func NewScanContext(doc StartDocument, defaultVarName string) ScanContext {
	sc := ScanContext{
		VarName:    defaultVarName,
		ScanNum:    doc.ScanID,
		SampleID:   doc.SampleID,
		SampleDesc: doc.Sample,
		Extra:      map[string]any{"uid": doc.UID},
	}

	if len(doc.Motors) > 0 && doc.Motors[0] != "" {
		sc.VarName = doc.Motors[0]
	}
	if sc.SampleID == nil {
		sc.SampleID = "0"
	}
	if sc.SampleDesc == "" {
		sc.SampleDesc = "sample"
	}

	return sc
}

// defaultScanContext is used when a run starts without a captured or explicit context.
func defaultScanContext(varName string) ScanContext {
	return ScanContext{
		VarName:    varName,
		ScanNum:    0,
		SampleID:   1,
		SampleDesc: "sample",
		Extra:      map[string]any{},
	}
}

func (sc ScanContext) withDefaults(varName string) ScanContext {
	if sc.VarName == "" {
		sc.VarName = varName
	}
	if sc.SampleID == nil {
		sc.SampleID = 1
	}
	if sc.SampleDesc == "" {
		sc.SampleDesc = "sample"
	}
	if sc.Extra == nil {
		sc.Extra = map[string]any{}
	}

	return sc
}

package status

// Wire-format structs for the mimicked firmware API. Field names, nesting
// and units match the real device's /cgi-bin/get_miner_status.cgi response
// exactly; an unmodified parser built against the real device must work
// unchanged against these.

// Snapshot is the full status document. It is immutable once built and
// safe to hand to multiple concurrent readers.
type Snapshot struct {
	Status  []StatusInfo `json:"STATUS"`
	Summary []Summary    `json:"SUMMARY"`
	Devs    []Dev        `json:"DEVS"`
	Fans    []Fan        `json:"FANS"`
	Temps   []TempSensor `json:"TEMPS"`
}

// StatusInfo is the reply header the real firmware prepends to every
// response.
type StatusInfo struct {
	Status string `json:"STATUS"`
	When   int64  `json:"When"`
	Code   int    `json:"Code"`
	Msg    string `json:"Msg"`
}

// Summary is the aggregate section. The real API wraps it in a
// single-element array.
type Summary struct {
	Elapsed         int64   `json:"Elapsed"`
	MHSAv           float64 `json:"MHS av"`
	MHS5s           float64 `json:"MHS 5s"`
	Temperature     float64 `json:"Temperature"`
	FanSpeed        []int   `json:"Fan Speed"`
	Accepted        uint64  `json:"Accepted"`
	Rejected        uint64  `json:"Rejected"`
	HardwareErrors  uint64  `json:"Hardware Errors"`
	TotalMH         float64 `json:"Total MH"`
	PoolRejectedPct float64 `json:"Pool Rejected%"`
	BestShare       uint64  `json:"Best Share"`
}

// Dev is one hash board entry in the DEVS section.
type Dev struct {
	ASC            int     `json:"ASC"`
	Name           string  `json:"Name"`
	Temperature    float64 `json:"Temperature"`
	MHSAv          float64 `json:"MHS av"`
	Accepted       uint64  `json:"Accepted"`
	Rejected       uint64  `json:"Rejected"`
	HardwareErrors uint64  `json:"Hardware Errors"`
}

// Fan is one fan entry in the FANS section.
type Fan struct {
	ID    int `json:"ID"`
	Speed int `json:"Speed"`
}

// TempSensor is one sensor entry in the TEMPS section.
type TempSensor struct {
	ID          int     `json:"ID"`
	Temperature float64 `json:"Temperature"`
}

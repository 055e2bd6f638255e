package model

import "time"

// SignalSample is an on-demand signal estimate from one access point.
type SignalSample struct {
	APID         string
	EstimatedDbm float64
	Time         time.Time
}

// RoamKind distinguishes the first confirmed association from later changes.
type RoamKind int

const (
	// RoamKindInitial is emitted once, when the first association is observed.
	RoamKindInitial RoamKind = iota
	// RoamKindRoam is emitted for every later change of serving AP.
	RoamKindRoam
)

func (k RoamKind) String() string {
	switch k {
	case RoamKindInitial:
		return "INIT"
	case RoamKindRoam:
		return "ROAM"
	default:
		return "UNKNOWN"
	}
}

// RoamEvent is a confirmed, observed change of serving AP. From is empty for
// the initial association.
type RoamEvent struct {
	Time      time.Time
	Kind      RoamKind
	StationID string
	From      string
	To        string
}

// TriggerEvent records a reassociation request fired by the decision engine.
// It describes intent only; the station may or may not end up roaming.
type TriggerEvent struct {
	Time       time.Time
	StationID  string
	ServingAP  string
	TargetAP   string
	ServingDbm float64
	TargetDbm  float64
}

package storage

import "time"

// TrainRun is one train's service-day lifecycle, keyed by train id.
type TrainRun struct {
	TrainID      string
	TrainUID     *string
	TocID        *string
	ServiceDate  *time.Time // calendar date, UTC midnight
	FirstSeenUTC time.Time
	LastSeenUTC  time.Time
}

// MovementEvent is one immutable reported movement. Rows are append
// only; the unique key (train id, actual timestamp, stanox, event
// type) rejects duplicates.
type MovementEvent struct {
	ID                   int64
	TrainID              string
	EventType            string
	ActualTimestampMs    int64
	LocStanox            string
	PlannedTimestampMs   int64
	GbttTimestampMs      *int64
	PlannedEventType     string
	EventSource          string
	CorrectionInd        bool
	OffrouteInd          bool
	DirectionInd         *string
	Platform             *string
	Route                *int
	TrainServiceCode     *string
	DivisionCode         *string
	TocID                *string
	TimetableVariation   *int
	VariationStatus      *string
	NextReportStanox     *string
	NextReportRunTime    *int
	TrainTerminated      bool
	DelayMonitoringPoint bool
	ReportingStanox      *string
	AutoExpected         bool
}

// CurrentTrainPosition is the latest known snapshot for a train.
// Exactly one row per train id, always overwritten in place.
type CurrentTrainPosition struct {
	TrainID         string
	LocStanox       string
	ReportedAt      time.Time
	Direction       *string
	Line            *string
	VariationStatus *string
}

// RailLocation is a geocoded reference point, unique per
// (stanox, tiploc). The table is replaced wholesale on each import.
type RailLocation struct {
	Stanox    string
	Tiploc    string
	Name      *string
	Easting   *int
	Northing  *int
	Latitude  *float64
	Longitude *float64
	ValidFrom *time.Time
	ValidTo   *time.Time
	Source    string
	UpdatedAt time.Time
}

// RailLocationLite is the stanox-to-coordinates projection cache,
// unique per stanox.
type RailLocationLite struct {
	Stanox    string
	Latitude  *float64
	Longitude *float64
}

// TrainAndRailMergeLite is one row of the map-ready join output.
type TrainAndRailMergeLite struct {
	TrainID    string
	LocStanox  string
	ReportedAt time.Time
	Direction  *string
	Latitude   *float64
	Longitude  *float64
}

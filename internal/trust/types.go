// Package trust models the train describer feed envelopes and applies
// them to stored state.
package trust

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Message type discriminators carried in the envelope header.
const (
	MsgTypeActivation = "0001"
	MsgTypeMovement   = "0003"
)

// Envelope is one feed message: a typed header and an opaque body that
// is decoded once the type is known.
type Envelope struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
}

// Header carries the envelope discriminator.
type Header struct {
	MsgType string `json:"msg_type"`
}

// FlexInt64 decodes a JSON number or its string-encoded form. The feed
// quotes numeric fields inconsistently. Unparsable values decode to 0.
type FlexInt64 int64

func (v *FlexInt64) UnmarshalJSON(data []byte) error {
	*v = FlexInt64(parseFlexInt(data))
	return nil
}

// FlexInt is the int-width counterpart of FlexInt64.
type FlexInt int

func (v *FlexInt) UnmarshalJSON(data []byte) error {
	*v = FlexInt(parseFlexInt(data))
	return nil
}

func parseFlexInt(data []byte) int64 {
	s := strings.TrimSpace(string(bytes.Trim(bytes.TrimSpace(data), `"`)))
	if s == "" || s == "null" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	// Some numeric fields arrive as floats.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// FlexBool decodes a JSON bool, the strings "true"/"false", or the
// numeric flag 1. Anything else decodes to false.
type FlexBool bool

func (v *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(bytes.Trim(bytes.TrimSpace(data), `"`)))
	*v = FlexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// ActivationBody is the payload of a 0001 envelope.
type ActivationBody struct {
	TrainID            string    `json:"train_id"`
	TrainUID           string    `json:"train_uid"`
	TocID              string    `json:"toc_id"`
	OriginDepTimestamp FlexInt64 `json:"origin_dep_timestamp"`
	TPOriginTimestamp  string    `json:"tp_origin_timestamp"`
}

// MovementBody is the payload of a 0003 envelope.
type MovementBody struct {
	TrainID              string    `json:"train_id"`
	EventType            string    `json:"event_type"`
	ActualTimestamp      FlexInt64 `json:"actual_timestamp"`
	LocStanox            string    `json:"loc_stanox"`
	GbttTimestamp        FlexInt64 `json:"gbtt_timestamp"`
	PlannedTimestamp     FlexInt64 `json:"planned_timestamp"`
	PlannedEventType     string    `json:"planned_event_type"`
	EventSource          string    `json:"event_source"`
	CorrectionInd        FlexBool  `json:"correction_ind"`
	OffrouteInd          FlexBool  `json:"offroute_ind"`
	DirectionInd         string    `json:"direction_ind"`
	Platform             string    `json:"platform"`
	Route                FlexInt   `json:"route"`
	TrainServiceCode     string    `json:"train_service_code"`
	DivisionCode         string    `json:"division_code"`
	TocID                string    `json:"toc_id"`
	TimetableVariation   FlexInt   `json:"timetable_variation"`
	VariationStatus      string    `json:"variation_status"`
	NextReportStanox     string    `json:"next_report_stanox"`
	NextReportRunTime    FlexInt   `json:"next_report_run_time"`
	TrainTerminated      FlexBool  `json:"train_terminated"`
	DelayMonitoringPoint FlexBool  `json:"delay_monitoring_point"`
	ReportingStanox      string    `json:"reporting_stanox"`
	AutoExpected         FlexBool  `json:"auto_expected"`
}

// ParseEnvelopes decodes a payload that is either a single envelope
// object or an array of envelopes.
func ParseEnvelopes(payload []byte) ([]Envelope, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var envs []Envelope
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			return nil, err
		}
		return envs, nil
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return []Envelope{env}, nil
}

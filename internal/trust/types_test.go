package trust

import (
	"encoding/json"
	"testing"
)

func TestFlexFieldsAcceptStringsAndNatives(t *testing.T) {
	raw := `{
		"train_id": "172A45MZ10",
		"event_type": "ARRIVAL",
		"actual_timestamp": "1770000000000",
		"planned_timestamp": 1770000060000,
		"loc_stanox": "87701",
		"route": "2",
		"timetable_variation": 3,
		"correction_ind": "false",
		"offroute_ind": true,
		"train_terminated": "true"
	}`

	var mov MovementBody
	if err := json.Unmarshal([]byte(raw), &mov); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if mov.ActualTimestamp != 1770000000000 {
		t.Errorf("actual_timestamp = %d, want 1770000000000", mov.ActualTimestamp)
	}
	if mov.PlannedTimestamp != 1770000060000 {
		t.Errorf("planned_timestamp = %d, want 1770000060000", mov.PlannedTimestamp)
	}
	if mov.Route != 2 {
		t.Errorf("route = %d, want 2", mov.Route)
	}
	if mov.TimetableVariation != 3 {
		t.Errorf("timetable_variation = %d, want 3", mov.TimetableVariation)
	}
	if mov.CorrectionInd {
		t.Error("correction_ind = true, want false")
	}
	if !mov.OffrouteInd {
		t.Error("offroute_ind = false, want true")
	}
	if !mov.TrainTerminated {
		t.Error("train_terminated = false, want true")
	}
}

func TestFlexBoolNumericFlag(t *testing.T) {
	raw := `{
		"train_id": "X",
		"correction_ind": "1",
		"offroute_ind": 1,
		"train_terminated": "0"
	}`

	var mov MovementBody
	if err := json.Unmarshal([]byte(raw), &mov); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !mov.CorrectionInd {
		t.Error(`correction_ind "1" = false, want true`)
	}
	if !mov.OffrouteInd {
		t.Error("offroute_ind 1 = false, want true")
	}
	if mov.TrainTerminated {
		t.Error(`train_terminated "0" = true, want false`)
	}
}

func TestFlexFieldsUnparsableDefaults(t *testing.T) {
	raw := `{
		"train_id": "X",
		"actual_timestamp": "not-a-number",
		"route": null,
		"correction_ind": "yes please"
	}`

	var mov MovementBody
	if err := json.Unmarshal([]byte(raw), &mov); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mov.ActualTimestamp != 0 {
		t.Errorf("actual_timestamp = %d, want 0", mov.ActualTimestamp)
	}
	if mov.Route != 0 {
		t.Errorf("route = %d, want 0", mov.Route)
	}
	if mov.CorrectionInd {
		t.Error("correction_ind = true, want false")
	}
}

func TestParseEnvelopesObjectAndArray(t *testing.T) {
	single := `{"header":{"msg_type":"0003"},"body":{"train_id":"A"}}`
	envs, err := ParseEnvelopes([]byte(single))
	if err != nil {
		t.Fatalf("parse object: %v", err)
	}
	if len(envs) != 1 || envs[0].Header.MsgType != "0003" {
		t.Fatalf("object parse = %+v, want one 0003 envelope", envs)
	}

	array := `[{"header":{"msg_type":"0001"},"body":{}},{"header":{"msg_type":"0003"},"body":{}}]`
	envs, err = ParseEnvelopes([]byte(array))
	if err != nil {
		t.Fatalf("parse array: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("array parse gave %d envelopes, want 2", len(envs))
	}
	if envs[0].Header.MsgType != "0001" || envs[1].Header.MsgType != "0003" {
		t.Errorf("types = %s/%s, want 0001/0003", envs[0].Header.MsgType, envs[1].Header.MsgType)
	}

	envs, err = ParseEnvelopes([]byte("  \n"))
	if err != nil || envs != nil {
		t.Errorf("blank payload = (%v, %v), want (nil, nil)", envs, err)
	}
}

package upstream

import (
	"encoding/json"
	"testing"
)

func TestPeekType_ExtractsDiscriminator(t *testing.T) {
	raw := json.RawMessage(`{"type":"response.created","response":{"id":"resp_1"}}`)

	typ, err := PeekType(raw)
	if err != nil {
		t.Fatalf("PeekType returned error: %v", err)
	}
	if typ != EventResponseCreated {
		t.Errorf("expected %q, got %q", EventResponseCreated, typ)
	}
}

func TestPeekType_RejectsMalformedJSON(t *testing.T) {
	if _, err := PeekType(json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected an error for malformed input")
	}
}

func TestDefaultTurnDetection_MatchesProductionTuning(t *testing.T) {
	td := DefaultTurnDetection()
	if td.Type != "server_vad" {
		t.Errorf("expected server_vad, got %q", td.Type)
	}
	if td.Threshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", td.Threshold)
	}
	if td.PrefixPaddingMs != 300 {
		t.Errorf("expected 300ms prefix padding, got %d", td.PrefixPaddingMs)
	}
	if td.SilenceDurationMs != 1000 {
		t.Errorf("expected 1000ms silence duration, got %d", td.SilenceDurationMs)
	}
}

func TestTransientErrorCodes_SuppressesResponseCancelNotActive(t *testing.T) {
	if !TransientErrorCodes["response_cancel_not_active"] {
		t.Error("expected response_cancel_not_active to be treated as transient")
	}
	if TransientErrorCodes["unknown_fatal_code"] {
		t.Error("unknown codes must not be treated as transient")
	}
}

func TestToolNames_AdvertisesAllEightTools(t *testing.T) {
	want := map[string]bool{
		"sync_booking_data":  true,
		"book_taxi":          true,
		"cancel_booking":     true,
		"end_call":           true,
		"save_customer_name": true,
		"save_location":      true,
		"find_nearby_places": true,
		"verify_booking":     true,
	}
	if len(ToolNames) != len(want) {
		t.Fatalf("expected %d tool names, got %d", len(want), len(ToolNames))
	}
	for _, name := range ToolNames {
		if !want[name] {
			t.Errorf("unexpected tool name %q", name)
		}
	}
}

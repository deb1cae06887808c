package domain

import (
	"encoding/json"
	"testing"
)

func TestReadingToJSON(t *testing.T) {
	r := NewReading("battery-a", "soc", int64(87), "%", QualityGood)

	data, err := r.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["v"] != float64(87) {
		t.Errorf("v = %v, want 87", decoded["v"])
	}
	if decoded["u"] != "%" {
		t.Errorf("u = %v, want %%", decoded["u"])
	}
	if decoded["q"] != string(QualityGood) {
		t.Errorf("q = %v, want good", decoded["q"])
	}
	if _, ok := decoded["ts"]; !ok {
		t.Error("payload missing ts")
	}
	// Device and register identity ride on the topic, not the payload.
	if _, ok := decoded["device_id"]; ok {
		t.Error("payload carries device_id, want topic-only")
	}
}

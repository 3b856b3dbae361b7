package rabbitmq

import (
	"encoding/json"
	"testing"
)

func TestJobMessageWireFormat(t *testing.T) {
	b, err := json.Marshal(JobMessage{JobID: "01HXAMPLE0000000000000000"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// The worker decodes this exact shape; the field name is the contract.
	want := `{"job_id":"01HXAMPLE0000000000000000"}`
	if string(b) != want {
		t.Fatalf("envelope = %s, want %s", b, want)
	}

	var m JobMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.JobID != "01HXAMPLE0000000000000000" {
		t.Fatalf("job id = %q", m.JobID)
	}
}

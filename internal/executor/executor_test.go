package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/inklight/inklight-backend/internal/pkg/faults"
)

func TestParsePayloadRejectsMissingIDs(t *testing.T) {
	_, err := ParsePayload([]byte(`{"project_id":"` + uuid.New().String() + `"}`))
	if !faults.IsKind(err, faults.KindSchemaMismatch) {
		t.Fatalf("expected schema-mismatch, got %v", err)
	}
	_, err = ParsePayload([]byte(`not json`))
	if !faults.IsKind(err, faults.KindSchemaMismatch) {
		t.Fatalf("expected schema-mismatch, got %v", err)
	}

	p := Payload{WorkflowID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New()}
	raw, _ := json.Marshal(p)
	got, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.WorkflowID != p.WorkflowID || got.ProjectID != p.ProjectID || got.UserID != p.UserID {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, p)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("transcode")
	if !faults.IsKind(err, faults.KindInternal) {
		t.Fatalf("expected internal fault, got %v", err)
	}
}

func TestDefaultTargetClusters(t *testing.T) {
	cases := []struct {
		notes int
		want  int
	}{
		{1, 2},
		{5, 2},
		{8, 2},
		{18, 3},
		{50, 5},
		{200, 10},
		{1000, 10},
	}
	for _, tc := range cases {
		if got := DefaultTargetClusters(tc.notes); got != tc.want {
			t.Errorf("DefaultTargetClusters(%d) = %d, want %d", tc.notes, got, tc.want)
		}
	}
}

func TestRequestBeatNilIsNoop(t *testing.T) {
	r := &Request{}
	cancelled, err := r.beat(context.Background(), 50)
	if err != nil || cancelled {
		t.Fatalf("nil beat should be a no-op, got cancelled=%v err=%v", cancelled, err)
	}
}

package workflow

import (
	"testing"

	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
)

func TestStageBounds(t *testing.T) {
	cases := []struct {
		stage    string
		baseline int
		end      int
	}{
		{domwf.StageUpload, 0, 20},
		{domwf.StageOCR, 20, 35},
		{domwf.StageClean, 35, 55},
		{domwf.StageCluster, 55, 75},
		{domwf.StageSummary, 75, 90},
		{domwf.StageExport, 90, 98},
	}
	for _, tc := range cases {
		if got := StageBaseline(tc.stage); got != tc.baseline {
			t.Errorf("StageBaseline(%s) = %d, want %d", tc.stage, got, tc.baseline)
		}
		if got := StageCumulative(tc.stage); got != tc.end {
			t.Errorf("StageCumulative(%s) = %d, want %d", tc.stage, got, tc.end)
		}
	}
	if got := StageCumulative(domwf.StageCompleted); got != 100 {
		t.Errorf("StageCumulative(completed) = %d, want 100", got)
	}
}

func TestRollup(t *testing.T) {
	cases := []struct {
		stage       string
		jobProgress int
		want        int
	}{
		{domwf.StageUpload, 0, 0},
		{domwf.StageUpload, 50, 10},
		{domwf.StageUpload, 100, 20},
		{domwf.StageOCR, 0, 20},
		{domwf.StageOCR, 50, 27},
		{domwf.StageOCR, 100, 35},
		{domwf.StageClean, 25, 40},
		{domwf.StageExport, 100, 98},
		{domwf.StageSummary, -5, 75},
		{domwf.StageSummary, 150, 90},
	}
	for _, tc := range cases {
		if got := Rollup(tc.stage, tc.jobProgress); got != tc.want {
			t.Errorf("Rollup(%s, %d) = %d, want %d", tc.stage, tc.jobProgress, got, tc.want)
		}
	}
}

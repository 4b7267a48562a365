package workflow

import (
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
)

// stageCumulative is the fixed progress table: the value a workflow
// shows the moment the stage finishes.
var stageCumulative = map[string]int{
	domwf.StageUpload:    20,
	domwf.StageOCR:       35,
	domwf.StageClean:     55,
	domwf.StageCluster:   75,
	domwf.StageSummary:   90,
	domwf.StageExport:    98,
	domwf.StageCompleted: 100,
}

// StageCumulative returns the progress value at the end of the stage.
func StageCumulative(stage string) int {
	return stageCumulative[stage]
}

// StageBaseline returns the progress value at the start of the stage,
// which is the cumulative value of the stage before it.
func StageBaseline(stage string) int {
	idx := domwf.StageIndex(stage)
	if idx <= 0 {
		return 0
	}
	return stageCumulative[domwf.StageOrder[idx-1]]
}

// Rollup folds a job's 0-100 progress into workflow progress: the
// baseline of the running stage plus its weighted share.
func Rollup(stage string, jobProgress int) int {
	if jobProgress < 0 {
		jobProgress = 0
	}
	if jobProgress > 100 {
		jobProgress = 100
	}
	base := StageBaseline(stage)
	end := StageCumulative(stage)
	return base + (end-base)*jobProgress/100
}

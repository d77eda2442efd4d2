package task

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReportRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, reportStagePid(&buf, StageApplyLimits, 4242, nil))
	require.NoError(t, reportStage(&buf, StageExec, nil))

	rep, err := readReport(&buf)
	require.NoError(t, err)
	require.Equal(t, StageApplyLimits, rep.Stage)
	require.Equal(t, 4242, rep.Pid)
	require.Empty(t, rep.Err)

	rep2, err := readReport(&buf)
	require.NoError(t, err)
	require.Equal(t, StageExec, rep2.Stage)
	require.Zero(t, rep2.Pid)
}

func TestReportCarriesError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, reportStage(&buf, StageMountBinds, errFakeMount{}))

	rep, err := readReport(&buf)
	require.NoError(t, err)
	require.Equal(t, StageMountBinds, rep.Stage)
	require.Equal(t, "bind mount failed", rep.Err)
}

func TestReportStageLoopIndex(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, reportStageLoopIndex(&buf, StageMountRootFs, 3, nil))

	rep, err := readReport(&buf)
	require.NoError(t, err)
	require.Equal(t, 3, rep.LoopIndex)
}

type errFakeMount struct{}

func (errFakeMount) Error() string { return "bind mount failed" }

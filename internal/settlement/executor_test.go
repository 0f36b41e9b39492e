package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate/internal/captcha"
)

func TestProcessExecutorParsesStdout(t *testing.T) {
	e := &ProcessExecutor{Command: []string{
		"sh", "-c", `cat >/dev/null; echo '{"verified":true,"session_id":"sess-1"}'`,
	}}

	out, err := e.Execute(context.Background(), captcha.Input{SessionID: "sess-1"})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Verified)
	assert.Equal(t, "sess-1", out.SessionID)
}

func TestProcessExecutorEmptyOutputMeansNoResult(t *testing.T) {
	e := &ProcessExecutor{Command: []string{"sh", "-c", "cat >/dev/null"}}

	out, err := e.Execute(context.Background(), captcha.Input{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestProcessExecutorFailedRunIsDeliveryFailure(t *testing.T) {
	e := &ProcessExecutor{Command: []string{"sh", "-c", "cat >/dev/null; exit 7"}}

	out, err := e.Execute(context.Background(), captcha.Input{SessionID: "sess-1"})
	assert.Error(t, err)
	assert.Nil(t, out)
}

func TestProcessExecutorRequiresCommand(t *testing.T) {
	e := &ProcessExecutor{}

	_, err := e.Execute(context.Background(), captcha.Input{SessionID: "sess-1"})
	assert.Error(t, err)
}

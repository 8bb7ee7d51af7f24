package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gomacc-proxy/gomaccd/internal/config"
)

func TestTaskErrorWrapsCauseAndKeepsItUnwrappable(t *testing.T) {
	cause := errors.New("boom")
	te := newTaskError(KindRemoteExecError, cause)

	assert.Equal(t, KindRemoteExecError, te.Kind)
	assert.Equal(t, "boom", te.Error())
	assert.True(t, errors.Is(te, cause))
}

func TestLogTaskErrorReturnsTaskErrorOfRequestedKind(t *testing.T) {
	e := testEngine(t, config.Default())
	task := e.NewTask("/tmp", nil, newFakeReplySink())

	te := task.logTaskError(KindTimeout, errors.New("stalled"))

	assert.Equal(t, KindTimeout, te.Kind)
	assert.Equal(t, "stalled", te.Error())
}

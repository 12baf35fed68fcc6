package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	})
	return &buf
}

func TestWithCarriesAttributes(t *testing.T) {
	buf := capture(t)
	SetLevel("info")

	log := With("workflow", "wf-9")
	log.Info("node finished", "node", 3)

	out := buf.String()
	assert.Contains(t, out, "workflow=wf-9")
	assert.Contains(t, out, "node=3")
	assert.Contains(t, out, "node finished")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	buf := capture(t)

	SetLevel("info")
	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	SetLevel("debug")
	Debugf("visible %d", 2)
	assert.Contains(t, buf.String(), "visible 2")
}

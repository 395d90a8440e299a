// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videofleet/src/driver"
)

func TestClassifyState(t *testing.T) {
	outcome, err := classifyState("running")
	require.NoError(t, err)
	assert.Equal(t, driver.Reattached, outcome)

	for _, status := range []string{"created", "exited", "dead"} {
		outcome, err := classifyState(status)
		require.NoError(t, err, status)
		assert.Equal(t, driver.Stale, outcome, status)
	}

	for _, status := range []string{"paused", "restarting", "removing"} {
		_, err := classifyState(status)
		assert.ErrorIs(t, err, driver.ErrSessionBusy, status)
	}
}

func TestClassifyErrUsesStatusCodes(t *testing.T) {
	assert.NoError(t, classifyErr(nil))
	assert.ErrorIs(t, classifyErr(fmt.Errorf("inspect: %w", errdefs.ErrNotFound)), driver.ErrSessionNotFound)
	assert.ErrorIs(t, classifyErr(fmt.Errorf("create: %w", errdefs.ErrConflict)), driver.ErrSessionBusy)

	// message text alone never decides the outcome
	plain := errors.New("container is already in use / not found")
	assert.Equal(t, plain, classifyErr(plain))
}

func TestLineWriterSplitsChunks(t *testing.T) {
	var lines []string
	w := &lineWriter{onLine: func(l string) { lines = append(lines, l) }}

	_, _ = w.Write([]byte(`{"type":"prog`))
	_, _ = w.Write([]byte("ress\"}\n\n  \n{\"a\":1}\npartial"))
	assert.Equal(t, []string{`{"type":"progress"}`, `{"a":1}`}, lines)

	w.Flush()
	assert.Equal(t, "partial", lines[len(lines)-1])
}

func TestResultCollector(t *testing.T) {
	type call struct {
		pct int
		msg string
	}
	var calls []call
	c := &resultCollector{onProgress: func(p int, m string) { calls = append(calls, call{p, m}) }}

	c.handle(`{"type":"progress","percent":40,"message":"rendering"}`)
	c.handle(`{"type":"progress","percent":140,"message":"overshoot"}`)
	c.handle(`{"type":"log","message":"ignored"}`)
	c.handle(`not json`)
	c.handle(`{"type":"result","success":true,"artifact_url":"https://v/1.mp4"}`)

	assert.Equal(t, []call{{40, "rendering"}, {100, "overshoot"}}, calls)
	require.NotNil(t, c.result)
	assert.True(t, *c.result.Success)
	assert.Equal(t, "https://v/1.mp4", c.result.ArtifactURL)
	assert.Equal(t, []string{"not json"}, c.stray)
}

func TestRequestArchive(t *testing.T) {
	buf, err := requestArchive("req.json", driver.GenerateRequest{TaskID: 3, Prompt: "sunset"})
	require.NoError(t, err)

	tr := tar.NewReader(buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "req.json", hdr.Name)

	data, err := io.ReadAll(tr)
	require.NoError(t, err)
	var req driver.GenerateRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "sunset", req.Prompt)

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestForeignSessionRejected(t *testing.T) {
	d := NewDockerDriver(nil, Options{})
	_, err := d.session(nil)
	assert.ErrorIs(t, err, driver.ErrSessionNotFound)
	assert.Equal(t, "videofleet-worker-p1", d.containerName("p1"))
}

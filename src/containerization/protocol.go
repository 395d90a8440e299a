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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"videofleet/src/driver"
)

// Line types emitted on stdout by the automation entrypoint, one JSON
// object per line.
const (
	lineProgress = "progress"
	lineResult   = "result"
	lineLog      = "log"
)

type automationLine struct {
	Type        string `json:"type"`
	Percent     int    `json:"percent,omitempty"`
	Message     string `json:"message,omitempty"`
	Success     *bool  `json:"success,omitempty"`
	LoggedIn    *bool  `json:"logged_in,omitempty"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// lineWriter splits what it is given into lines and hands each complete
// line to onLine. It is the stdout sink for stdcopy.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimSpace(line)
	if line != "" {
		w.onLine(line)
	}
}

// resultCollector turns protocol lines into progress callbacks and keeps the
// last result line.
type resultCollector struct {
	onProgress driver.ProgressFunc
	result     *automationLine
	stray      []string
}

func (c *resultCollector) handle(line string) {
	var l automationLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		c.stray = append(c.stray, line)
		return
	}
	switch l.Type {
	case lineProgress:
		if c.onProgress != nil {
			c.onProgress(clampPercent(l.Percent), l.Message)
		}
	case lineResult:
		res := l
		c.result = &res
	case lineLog:
	default:
		c.stray = append(c.stray, line)
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// requestArchive wraps one JSON request into a tar stream for CopyToContainer.
func requestArchive(name string, payload any) (*bytes.Buffer, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

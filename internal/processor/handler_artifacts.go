// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package processor

import (
	"context"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/protocol"
)

// Puller copies files from the device to the host.
type Puller interface {
	// PullDirectory recursively copies the device directory src into the host
	// directory dst.
	PullDirectory(ctx context.Context, src, dst string) error
}

// ArtifactsListener pulls per-test output directories from the device as
// tests complete. Pulls run concurrently with the remaining tests; RunEnded
// blocks until all of them finish.
type ArtifactsListener struct {
	BaseListener
	puller     Puller
	resultsDir string

	outDirs map[protocol.TestIdentity]string
	g       *errgroup.Group
	gctx    context.Context
}

// NewArtifactsListener creates an ArtifactsListener pulling into
// resultsDir/tests/<identity>/.
func NewArtifactsListener(ctx context.Context, puller Puller, resultsDir string) *ArtifactsListener {
	g, gctx := errgroup.WithContext(ctx)
	// Limit concurrency so pulls do not starve the control connection.
	g.SetLimit(4)
	return &ArtifactsListener{
		puller:     puller,
		resultsDir: resultsDir,
		outDirs:    make(map[protocol.TestIdentity]string),
		g:          g,
		gctx:       gctx,
	}
}

// HostDir returns the host directory artifacts of id are pulled into.
func (h *ArtifactsListener) HostDir(id protocol.TestIdentity) string {
	return filepath.Join(h.resultsDir, "tests", id.String())
}

// TestStarted implements Listener.
func (h *ArtifactsListener) TestStarted(ctx context.Context, id protocol.TestIdentity, outDir string, ts time.Time) error {
	if outDir != "" {
		h.outDirs[id] = outDir
	}
	return nil
}

// TestEnded implements Listener.
func (h *ArtifactsListener) TestEnded(ctx context.Context, id protocol.TestIdentity, ts time.Time, metrics map[string]protocol.Metric) error {
	src, ok := h.outDirs[id]
	if !ok {
		return nil
	}
	delete(h.outDirs, id)
	dst := h.HostDir(id)
	h.g.Go(func() error {
		if err := h.puller.PullDirectory(h.gctx, src, dst); err != nil {
			// Artifact loss is not worth failing the run over.
			logging.Infof(h.gctx, "Failed to pull output of %s: %v", id, err)
		}
		return nil
	})
	return nil
}

// RunEnded implements Listener.
func (h *ArtifactsListener) RunEnded(ctx context.Context, elapsed time.Duration, metrics map[string]protocol.Metric) error {
	return h.g.Wait()
}

// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package processor_test

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devicelab/harness/internal/processor"
	"github.com/devicelab/harness/internal/protocol"
)

type fakePuller struct {
	mu    sync.Mutex
	pulls map[string]string // src -> dst
}

func (p *fakePuller) PullDirectory(ctx context.Context, src, dst string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pulls == nil {
		p.pulls = make(map[string]string)
	}
	p.pulls[src] = dst
	return nil
}

func TestArtifactsListenerPullsCompletedTests(t *testing.T) {
	ctx := context.Background()
	ts := time.Unix(0, 0)
	puller := &fakePuller{}
	resultsDir := t.TempDir()
	h := processor.NewArtifactsListener(ctx, puller, resultsDir)

	withOut := protocol.NewTestIdentity("com.foo.Bar", "writes")
	noOut := protocol.NewTestIdentity("com.foo.Bar", "silent")
	if err := h.TestStarted(ctx, withOut, "/data/out/writes", ts); err != nil {
		t.Fatal("TestStarted: ", err)
	}
	if err := h.TestStarted(ctx, noOut, "", ts); err != nil {
		t.Fatal("TestStarted: ", err)
	}
	if err := h.TestEnded(ctx, withOut, ts, nil); err != nil {
		t.Fatal("TestEnded: ", err)
	}
	if err := h.TestEnded(ctx, noOut, ts, nil); err != nil {
		t.Fatal("TestEnded: ", err)
	}
	if err := h.RunEnded(ctx, time.Second, nil); err != nil {
		t.Fatal("RunEnded: ", err)
	}

	var srcs []string
	for src := range puller.pulls {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	if diff := cmp.Diff(srcs, []string{"/data/out/writes"}); diff != "" {
		t.Errorf("Pulled sources mismatch (-got +want):\n%s", diff)
	}
	wantDst := filepath.Join(resultsDir, "tests", "com.foo.Bar#writes")
	if got := puller.pulls["/data/out/writes"]; got != wantDst {
		t.Errorf("Pull destination = %q; want %q", got, wantDst)
	}
}

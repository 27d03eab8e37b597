// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/results"
)

// ResultsFilename is the name of the final JSON results file.
const ResultsFilename = "results.json"

// WriteResults writes rs to results.json and results.xml in resDir and logs
// a human readable summary. complete indicates whether the whole run
// finished; if false an additional notice is logged after the results.
func WriteResults(ctx context.Context, resDir string, rs []*results.TestResult, complete bool) error {
	f, err := os.Create(filepath.Join(resDir, ResultsFilename))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rs); err != nil {
		return err
	}
	if err := WriteJUnitXMLResults(filepath.Join(resDir, JUnitXMLFilename), rs); err != nil {
		return err
	}

	ml := 0
	for _, res := range rs {
		if l := len(res.Identity.String()); l > ml {
			ml = l
		}
	}

	sep := strings.Repeat("-", 80)
	logging.Info(ctx, sep)
	for _, res := range rs {
		pn := fmt.Sprintf("%-"+strconv.Itoa(ml)+"s", res.Identity.String())
		switch res.Status {
		case results.Pass:
			logging.Info(ctx, pn+"  [ PASS ]")
		case results.Skipped:
			logging.Info(ctx, pn+"  [ SKIP ] "+res.SkipReason)
		case results.Ignored:
			logging.Info(ctx, pn+"  [ SKIP ] ignored")
		case results.AssumptionFailure:
			logging.Info(ctx, pn+"  [ SKIP ] assumption failed")
		default:
			msg := ""
			if res.Failure != nil {
				msg = res.Failure.ErrorMessage
			}
			logging.Info(ctx, pn+"  [ FAIL ] "+msg)
		}
	}
	if !complete {
		// Make it clearer that all is not well.
		logging.Info(ctx, "")
		logging.Info(ctx, "Run did not finish successfully; results are incomplete")
	}
	logging.Info(ctx, sep)
	logging.Info(ctx, "Results saved to ", resDir)
	return nil
}

// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/devicelab/harness/internal/results"
)

// JUnitXMLFilename is the file name used with WriteJUnitXMLResults.
const JUnitXMLFilename = "results.xml"

// testSuites is the top level XML element of a JUnit result.
type testSuites struct {
	XMLName   xml.Name
	TestSuite testSuite `xml:"testsuite"`
}

// testSuite is an XML element in a JUnit result. Errors and failures are not
// distinguished; both are reported as failures.
type testSuite struct {
	TestCase []*testCase `xml:"testcase"`

	Tests    int `xml:"tests,attr"`
	Failures int `xml:"failures,attr"`
	Skipped  int `xml:"skipped,attr"`
}

// testCase is an element in a JUnit XML test result.
type testCase struct {
	Name      string `xml:"name,attr"`
	Classname string `xml:"classname,attr"`
	Status    string `xml:"status,attr"`         // run or notrun
	Result    string `xml:"result,attr"`         // more detailed result
	Timestamp string `xml:"timestamp,attr"`      // start time, in ISO8601
	Time      string `xml:"time,attr,omitempty"` // duration, in seconds (with a decimal point)

	Failure *failure `xml:"failure,omitempty"`
	Skipped *skipped `xml:"skipped,omitempty"`
}

// failure represents a test case failure.
type failure struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
}

// skipped represents a skipped test case.
type skipped struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
}

// WriteJUnitXMLResults saves test results to path in the JUnit XML format.
// Assumption failures and ignored tests are reported as skipped; failed and
// incomplete tests as failures.
func WriteJUnitXMLResults(path string, rs []*results.TestResult) error {
	suites := testSuites{
		XMLName:   xml.Name{Local: "testsuites"},
		TestSuite: testSuite{Tests: len(rs)},
	}
	suite := &suites.TestSuite
	for _, r := range rs {
		tc := testCase{
			Name:      r.Identity.Method,
			Classname: r.Identity.Class,
			Timestamp: r.Start.UTC().Format(time.RFC3339),
		}
		if !r.End.IsZero() {
			// The decimal point distinguishes seconds from nanoseconds
			// notation, e.g. "1.0" for one second.
			tc.Time = fmt.Sprintf("%.1f", r.End.Sub(r.Start).Seconds())
		}
		switch r.Status {
		case results.Pass:
			tc.Status = "run"
			tc.Result = "completed"
		case results.Skipped:
			tc.Status = "notrun"
			tc.Result = "skipped"
			tc.Skipped = &skipped{Message: r.SkipReason}
			suite.Skipped++
		case results.Ignored:
			tc.Status = "notrun"
			tc.Result = "skipped"
			tc.Skipped = &skipped{Type: string(results.Ignored)}
			suite.Skipped++
		case results.AssumptionFailure:
			tc.Status = "run"
			tc.Result = "skipped"
			tc.Skipped = &skipped{Type: string(results.AssumptionFailure)}
			if r.Failure != nil {
				tc.Skipped.Message = r.Failure.ErrorMessage
			}
			suite.Skipped++
		default: // Fail, Incomplete
			tc.Status = "run"
			tc.Result = "completed"
			tc.Failure = &failure{Type: string(r.Status)}
			if r.Failure != nil {
				tc.Failure.Message = r.Failure.ErrorMessage
			}
			suite.Failures++
		}
		suite.TestCase = append(suite.TestCase, &tc)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

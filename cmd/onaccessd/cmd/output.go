/*
Copyright © 2020 GUILLAUME FOURNIER

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gui774ume/onaccess/pkg/telemetry"
)

// TelemetrySource reads and clears the on-access counters
type TelemetrySource interface {
	Telemetry() telemetry.Telemetry
}

// Reporter periodically collects the on-access telemetry and writes it out
type Reporter struct {
	source   TelemetrySource
	helper   *telemetry.Helper
	interval time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	writer OutputWriter
	closer io.Closer
}

// NewReporter - Returns a reporter configured with the requested format & output
func NewReporter(source TelemetrySource, helper *telemetry.Helper, format, outputPath string, interval time.Duration) (*Reporter, error) {
	writer, closer, err := newOutputWriter(format, outputPath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		source:   source,
		helper:   helper,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		writer:   writer,
		closer:   closer,
	}
	r.Start()
	return r, nil
}

func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report - Collects the telemetry and writes it
func (r *Reporter) Report() {
	r.helper.AddTelemetry(r.source.Telemetry())
	if err := r.writer.Write(r.helper); err != nil {
		logrus.WithError(err).Debug("Failed to write telemetry report.")
	}
}

func (r *Reporter) Close() {
	r.cancel()
	r.wg.Wait()
	if r.closer != nil {
		r.closer.Close()
	}
}

// OutputWriter - Telemetry output interface
type OutputWriter interface {
	Write(helper *telemetry.Helper) error
}

func newOutputWriter(format, outputPath string) (OutputWriter, io.Closer, error) {
	var writer io.Writer = os.Stdout
	var closer io.Closer
	if outputPath != "" && format != "none" {
		f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, err
		}
		writer, closer = f, f
	}
	switch format {
	case "json":
		return JSONOutput{output: writer}, closer, nil
	case "table":
		return NewTableOutput(writer), closer, nil
	default:
		return DummyOutput{}, closer, nil
	}
}

// JSONOutput - JSON output writer, one document per line
type JSONOutput struct {
	output io.Writer
}

// Write - Write the report to the output writer
func (jo JSONOutput) Write(helper *telemetry.Helper) error {
	data, err := json.Marshal(helper)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = jo.output.Write(data)
	return err
}

// TableOutput - Table output writer
type TableOutput struct {
	output io.Writer
	fmt    string
	tsFmt  string
}

func NewTableOutput(writer io.Writer) TableOutput {
	out := TableOutput{
		output: writer,
		fmt:    "%-20v %-16v %-16v %-8v %s\n",
		tsFmt:  "2006-01-02T15:04:05",
	}
	out.PrintHeader()
	return out
}

// Write - Write the report to the output writer
func (to TableOutput) Write(helper *telemetry.Helper) error {
	dropped, _ := helper.Get(telemetry.KeyEventsDropped)
	errs, _ := helper.Get(telemetry.KeyScanErrors)
	marked, _ := helper.Get(telemetry.KeyMarkedMountCount)
	fileSystems, _ := helper.Get(telemetry.KeyFileSystems)
	_, err := fmt.Fprintf(
		to.output,
		to.fmt,
		time.Now().Format(to.tsFmt),
		formatPercentage(dropped),
		formatPercentage(errs),
		valueOrDash(marked),
		formatList(fileSystems),
	)
	return err
}

// PrintHeader - Prints table header
func (to TableOutput) PrintHeader() {
	fmt.Fprintf(to.output, to.fmt, "TS", "DROPPED", "SCAN ERRORS", "MOUNTS", "FILESYSTEMS")
}

func formatPercentage(v interface{}) string {
	f, ok := v.(float64)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", f)
}

func valueOrDash(v interface{}) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}

func formatList(v interface{}) string {
	list, ok := v.([]string)
	if !ok || len(list) == 0 {
		return "-"
	}
	return strings.Join(list, ",")
}

// DummyOutput - Dummy output for the none format
type DummyOutput struct{}

// Write - Write the report to the output writer
func (do DummyOutput) Write(helper *telemetry.Helper) error {
	return nil
}

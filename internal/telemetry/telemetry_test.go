// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, Config{Exporter: ExporterNone})
	if err != ErrNilContext {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_NoneInstallsNothing(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Init(context.Background(), Config{Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() failed: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("tracer provider was replaced")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Exporter: "jaeger"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("Init() error = %v, want ErrUnknownExporter", err)
	}
}

func TestInit_StdoutExportsSpans(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Exporter: ExporterStdout, Output: &buf})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	_, span := otel.Tracer("readersync.api").Start(context.Background(), "api.GetPaper")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "api.GetPaper") {
		t.Errorf("exported spans missing the span name:\n%s", out)
	}
	if !strings.Contains(out, "readersync") {
		t.Errorf("exported spans missing the service name:\n%s", out)
	}
}

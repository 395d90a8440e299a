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

package logging

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OTelOptions selects where telemetry goes.
type OTelOptions struct {
	// Stdout prints traces and metrics; otherwise they are discarded.
	Stdout bool
	// LogFile, when set, receives log records through a rotating writer.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	MetricPeriod  time.Duration
}

// SetupOTelSDK installs the global trace, metric and log providers. The
// returned shutdown flushes and closes all of them.
func SetupOTelSDK(ctx context.Context, opts OTelOptions) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var telemetryOut io.Writer = io.Discard
	if opts.Stdout {
		telemetryOut = os.Stdout
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(telemetryOut))
	if err != nil {
		handleErr(err)
		return
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(time.Second)))
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(telemetryOut))
	if err != nil {
		handleErr(err)
		return
	}
	period := opts.MetricPeriod
	if period <= 0 {
		period = time.Minute
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(period))),
	)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	var logOut io.Writer = os.Stdout
	if opts.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    opts.LogMaxSizeMB,
			MaxBackups: opts.LogMaxBackups,
			MaxAge:     opts.LogMaxAgeDays,
			Compress:   true,
		}
		logOut = rotating
		shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return rotating.Close() })
	}
	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(logOut))
	if err != nil {
		handleErr(err)
		return
	}
	loggerProvider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)))
	// flush the log provider before the rotating file is closed
	shutdownFuncs = append([]func(context.Context) error{loggerProvider.Shutdown}, shutdownFuncs...)
	global.SetLoggerProvider(loggerProvider)

	return shutdown, nil
}

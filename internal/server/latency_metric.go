// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Results an Op can end with.
const (
	ResultAll     = "all"
	ResultFailed  = "failed"
	ResultBusy    = "too_busy"
	ResultInvalid = "invalid"
)

var latencyObjectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// OpMetric counts and times one kind of operation: a commit, a fetch, a
// gossip round, a validation pass or an inbound message. It exports
//
//	agentdht_<subsystem>_<name>{result, labels...}          every start, and every failure by kind
//	agentdht_<subsystem>_<name>_latency{labels...}          latency of ops that did not fail
//	agentdht_<subsystem>_<name>_pending{labels...}          ops started and not ended
//
// Usage:
//
//	var fetchOps = server.NewOpMetric("fetch", "request")
//
//	func (w *Worker) fetch(ctx context.Context) (err error) {
//		op := fetchOps.Start()
//		defer func() { op.EndWithError(err) }()
//		...
//	}
type OpMetric struct {
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric registers the metrics of an operation with the default
// prometheus registry.
func NewOpMetric(subsystem, name string, labels ...string) *OpMetric {
	return &OpMetric{
		counters: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdht", Subsystem: subsystem, Name: name,
			Help: fmt.Sprintf("%s %s operations by result", subsystem, name),
		}, append([]string{"result"}, labels...)),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "agentdht", Subsystem: subsystem, Name: name + "_latency",
			Help:       fmt.Sprintf("seconds taken by %s %s operations", subsystem, name),
			Objectives: latencyObjectives,
		}, labels),
		pending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentdht", Subsystem: subsystem, Name: name + "_pending",
			Help: fmt.Sprintf("%s %s operations in progress", subsystem, name),
		}, labels),
	}
}

// Start counts a new operation with label 'values' and starts its clock.
func (m *OpMetric) Start(values ...string) *Op {
	m.counters.WithLabelValues(append([]string{ResultAll}, values...)...).Inc()
	m.pending.WithLabelValues(values...).Inc()
	return &Op{m: m, values: values, start: time.Now()}
}

// Count returns how many operations with label 'values' ended with
// 'result'. Count(ResultAll) is how many started.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	var v dto.Metric
	if m.counters.WithLabelValues(append([]string{result}, values...)...).Write(&v) != nil {
		return 0
	}
	return uint64(v.GetCounter().GetValue())
}

// Pending returns how many operations with label 'values' are in progress.
func (m *OpMetric) Pending(values ...string) int64 {
	var v dto.Metric
	if m.pending.WithLabelValues(values...).Write(&v) != nil {
		return 0
	}
	return int64(v.GetGauge().GetValue())
}

// String describes the operations with label 'values' for status pages.
func (m *OpMetric) String(values ...string) string {
	parts := []string{SummaryString(m.latencies.WithLabelValues(values...))}
	for _, r := range []string{ResultBusy, ResultInvalid, ResultFailed} {
		if n := m.Count(r, values...); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, r))
		}
	}
	if n := m.Pending(values...); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", n))
	}
	return strings.Join(parts, " / ")
}

// Strings calls String for each key. It's for metrics with one label.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// Op is one operation of an OpMetric. Exactly one End or EndWithError must
// be called on it.
type Op struct {
	m      *OpMetric
	values []string
	start  time.Time
	result string
}

// Failed marks the operation as failed. Its latency isn't recorded.
func (o *Op) Failed() { o.Result(ResultFailed) }

// TooBusy marks the operation as turned away for lack of resources.
func (o *Op) TooBusy() { o.Result(ResultBusy) }

// Result marks the operation with an arbitrary result. Its latency isn't
// recorded.
func (o *Op) Result(result string) {
	o.result = result
}

// End ends the operation.
func (o *Op) End() {
	if o.result == "" {
		o.m.latencies.WithLabelValues(o.values...).Observe(time.Since(o.start).Seconds())
	} else {
		o.m.counters.WithLabelValues(append([]string{o.result}, o.values...)...).Inc()
	}
	o.m.pending.WithLabelValues(o.values...).Dec()
}

// EndWithError ends the operation with a result picked from 'err'.
func (o *Op) EndWithError(err error) {
	if err != nil && o.result == "" {
		o.Result(resultOf(err))
	}
	o.End()
}

func resultOf(err error) string {
	switch core.ToError(err) {
	case core.ErrTooManyPendingFetches, core.ErrStorageFull, core.ErrChainLocked, core.ErrTimeout:
		return ResultBusy
	case core.ErrCorruptData, core.ErrInvalidArgument, core.ErrInvalidSignature, core.ErrUnauthorized:
		return ResultInvalid
	}
	return ResultFailed
}

// SummaryString formats the count and quantiles of a summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var v dto.Metric
	if sum.Write(&v) != nil || v.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("count=%d", v.Summary.GetSampleCount())
	for _, q := range v.Summary.Quantile {
		out += fmt.Sprintf(" p%g=%.3fs", q.GetQuantile()*100, q.GetValue())
	}
	return out
}

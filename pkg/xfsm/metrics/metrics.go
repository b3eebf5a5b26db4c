// Copyright 2024 Antrea Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"
)

const (
	VerdictForward = "forward"
	VerdictDrop    = "drop"
)

var (
	PacketCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_packets_total",
			Help:           "Number of packets processed by a stateful table, by verdict.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id", "verdict"},
	)

	TableMissCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_table_misses_total",
			Help:           "Number of packets that matched no installed entry and hit the implicit drop entry.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id"},
	)

	StateCommitCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_state_commits_total",
			Help:           "Number of flow state commits.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id"},
	)

	FlowEvictionCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_flow_evictions_total",
			Help:           "Number of flow records evicted to make room for new flows.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id"},
	)

	RejectedCommitCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_rejected_commits_total",
			Help:           "Number of flow state commits rejected because the flow state store was full.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id"},
	)

	ExpiredFlowCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_expired_flows_total",
			Help:           "Number of flow records removed after being idle for longer than the idle timeout.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id"},
	)

	FlowCount = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Name:           "xfsm_flows",
			Help:           "Number of flow records of a stateful table.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id"},
	)

	ConfigPublishCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_config_publishes_total",
			Help:           "Number of table configuration changes published, by operation.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id", "operation"},
	)

	ConfigErrorCount = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Name:           "xfsm_config_errors_total",
			Help:           "Number of table configuration changes rejected as invalid, by operation.",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"table_id", "operation"},
	)
)

func InitializeMetrics() {
	klog.InfoS("Initializing stateful table metrics")

	for _, m := range []metrics.Registerable{
		PacketCount,
		TableMissCount,
		StateCommitCount,
		FlowEvictionCount,
		RejectedCommitCount,
		ExpiredFlowCount,
		FlowCount,
		ConfigPublishCount,
		ConfigErrorCount,
	} {
		if err := legacyregistry.Register(m); err != nil {
			klog.ErrorS(err, "Failed to register metric", "name", m.FQName())
		}
	}
}

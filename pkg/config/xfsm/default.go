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

package xfsm

import (
	"antrea.io/xfsm/pkg/xfsm/opcode"
	"antrea.io/xfsm/pkg/xfsm/table"
)

const (
	DefaultMaxFlows       = table.DefaultMaxFlows
	DefaultIdleTimeout    = "0s"
	DefaultOverflowPolicy = "EvictLRU"
	DefaultScale          = opcode.DefaultScale
)

func SetConfigDefaults(datapathConf *DatapathConfig) {
	for i := range datapathConf.Tables {
		tableConf := &datapathConf.Tables[i]
		if tableConf.MaxFlows == 0 {
			tableConf.MaxFlows = DefaultMaxFlows
		}
		if tableConf.IdleTimeout == "" {
			tableConf.IdleTimeout = DefaultIdleTimeout
		}
		if tableConf.OverflowPolicy == "" {
			tableConf.OverflowPolicy = DefaultOverflowPolicy
		}
		for j := range tableConf.Entries {
			for k := range tableConf.Entries[j].Instructions {
				if sdv := tableConf.Entries[j].Instructions[k].SetDataVariable; sdv != nil && sdv.Scale == nil {
					sdv.Scale = new(int64)
					*sdv.Scale = DefaultScale
				}
			}
		}
	}
}

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

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configxfsm "antrea.io/xfsm/pkg/config/xfsm"
)

func globalsConfig(value string) string {
	return "tables:\n- id: 0\n  globals:\n    0: " + value + "\n"
}

func TestConfigWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datapath.yaml")
	require.NoError(t, os.WriteFile(path, []byte(globalsConfig("1")), 0644))
	fs := afero.NewOsFs()

	d := newTestDatapath()
	conf, err := configxfsm.LoadFile(fs, path)
	require.NoError(t, err)
	require.NoError(t, conf.Apply(d))
	assert.Equal(t, int64(1), d.Global(0, 0))

	w, err := newConfigWatcher(fs, path, d)
	require.NoError(t, err)
	stopCh := make(chan struct{})
	defer close(stopCh)
	go w.Run(stopCh)

	require.NoError(t, os.WriteFile(path, []byte(globalsConfig("2")), 0644))
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, int64(2), d.Global(0, 0))
	}, 5*time.Second, 50*time.Millisecond)

	// Replacing the file atomically is observed through the directory.
	tmp := filepath.Join(dir, "datapath.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(globalsConfig("3")), 0644))
	require.NoError(t, os.Rename(tmp, path))
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, int64(3), d.Global(0, 0))
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConfigWatcherHandleEvent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/datapath.yaml", []byte(globalsConfig("1")), 0644))
	d := newTestDatapath()
	w := &configWatcher{fs: fs, path: "/datapath.yaml", datapath: d, data: []byte(globalsConfig("1"))}

	// Unchanged content is not applied again.
	require.NoError(t, w.handleWatcherEvent())
	assert.Empty(t, d.Tables())

	require.NoError(t, afero.WriteFile(fs, "/datapath.yaml", []byte(globalsConfig("7")), 0644))
	require.NoError(t, w.handleWatcherEvent())
	assert.Equal(t, int64(7), d.Global(0, 0))

	// Invalid configurations are not applied and do not replace the last
	// applied content.
	for _, invalid := range []string{
		"tables:\n- id: 0\n  globals:\n    8: 1\n",
		"tables: [",
	} {
		require.NoError(t, afero.WriteFile(fs, "/datapath.yaml", []byte(invalid), 0644))
		assert.Error(t, w.handleWatcherEvent())
		assert.Equal(t, int64(7), d.Global(0, 0))
		assert.True(t, strings.Contains(string(w.data), "7"))
	}

	require.NoError(t, fs.Remove("/datapath.yaml"))
	assert.ErrorContains(t, w.handleWatcherEvent(), "cannot read datapath configuration file")
}

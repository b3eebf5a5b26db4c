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
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	configxfsm "antrea.io/xfsm/pkg/config/xfsm"
	"antrea.io/xfsm/pkg/xfsm"
)

// configWatcher re-applies the datapath configuration file whenever its
// content changes. The directory of the file is watched, so that atomic
// replacements of the file are observed too.
type configWatcher struct {
	fs       afero.Fs
	path     string
	datapath *xfsm.Datapath
	watcher  *fsnotify.Watcher
	// data is the content of the last applied configuration.
	data []byte
}

func newConfigWatcher(fs afero.Fs, path string, d *xfsm.Datapath) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error when creating configuration file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("error when watching directory of configuration file %s: %w", path, err)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("cannot read datapath configuration file: %w", err)
	}
	return &configWatcher{fs: fs, path: path, datapath: d, watcher: watcher, data: data}, nil
}

func (w *configWatcher) Run(stopCh <-chan struct{}) {
	klog.InfoS("Watching datapath configuration file", "file", w.path)
	defer w.watcher.Close()
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				klog.Error("Configuration watcher event channel closed")
				return
			}
			klog.V(4).InfoS("Event happened", "event", event.String())
			if err := w.handleWatcherEvent(); err != nil {
				klog.ErrorS(err, "Failed to reload datapath configuration, keeping the current one", "file", w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			klog.ErrorS(err, "Configuration watcher error")
		}
	}
}

func (w *configWatcher) handleWatcherEvent() error {
	data, err := afero.ReadFile(w.fs, w.path)
	if err != nil {
		return fmt.Errorf("cannot read datapath configuration file: %w", err)
	}
	if bytes.Equal(data, w.data) {
		klog.V(2).InfoS("Datapath configuration didn't change")
		return nil
	}
	conf, err := configxfsm.Parse(data)
	if err != nil {
		return err
	}
	if err := conf.Apply(w.datapath); err != nil {
		return err
	}
	w.data = data
	klog.InfoS("Reloaded datapath configuration", "file", w.path, "tables", len(conf.Tables))
	return nil
}

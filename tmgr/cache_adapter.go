/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

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

package tmgr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CESNET/fds-go"
)

// CacheAdapter presents one Manager's current snapshot as an
// ipfix.TemplateCache, so that the wire-format decoder (which resolves
// SubTemplateList/SubTemplateMultiList nested records through a
// TemplateCache) can look up templates managed by a Manager instead of the
// root package's own ephemeral/persistent caches. It is read-mostly: Add
// and Delete are defined for interface conformance but delegate to the
// Manager's own Add/Withdraw so the history-preserving rules in this
// package remain the single source of truth.
type CacheAdapter struct {
	name string
	mgr  *Manager
}

// NewCacheAdapter wraps mgr as an ipfix.TemplateCache named name (used only
// for diagnostics/marshaling, matching the root package's cache
// conventions).
func NewCacheAdapter(name string, mgr *Manager) *CacheAdapter {
	return &CacheAdapter{name: name, mgr: mgr}
}

var _ ipfix.TemplateCache = (*CacheAdapter)(nil)

func (c *CacheAdapter) Name() string { return c.name }

func (c *CacheAdapter) Type() string { return "TemplateManagerCache" }

func (c *CacheAdapter) GetAll(ctx context.Context) map[ipfix.TemplateKey]*ipfix.Template {
	out := map[ipfix.TemplateKey]*ipfix.Template{}
	snap, err := c.mgr.Snapshot()
	if err != nil {
		return out
	}
	snap.For(func(tmpl *Template) bool {
		key := ipfix.NewKey(0, tmpl.id())
		out[key] = tmpl.Template
		return true
	})
	return out
}

func (c *CacheAdapter) Get(ctx context.Context, key ipfix.TemplateKey) (*ipfix.Template, error) {
	tmpl, err := c.mgr.Get(key.TemplateId)
	if err != nil {
		return nil, err
	}
	return tmpl.Template, nil
}

func (c *CacheAdapter) Add(ctx context.Context, key ipfix.TemplateKey, template *ipfix.Template) error {
	return c.mgr.Add(&Template{Template: template})
}

func (c *CacheAdapter) Delete(ctx context.Context, key ipfix.TemplateKey) error {
	return c.mgr.Withdraw(key.TemplateId)
}

func (c *CacheAdapter) MarshalJSON() ([]byte, error) {
	all := c.GetAll(context.Background())
	out := make(map[string]*ipfix.Template, len(all))
	for k, v := range all {
		out[fmt.Sprintf("%d", k.TemplateId)] = v
	}
	return json.Marshal(out)
}

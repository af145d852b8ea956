package config

import (
	"github.com/nraphael/ipywidgets/internal/widgets"
)

// ModuleBundles maps declared module entries to generic export bundles so
// persisted descriptors for those modules hydrate without custom behavior.
func ModuleBundles(entries []ModuleConfig) []widgets.ExportBundle {
	bundles := make([]widgets.ExportBundle, 0, len(entries))
	for _, entry := range entries {
		exports := make(widgets.Exports, len(entry.Classes))
		for _, class := range entry.Classes {
			exports[class] = widgets.NoopConstructor
		}
		bundles = append(bundles, widgets.ExportBundle{
			Name:    entry.Name,
			Version: entry.Range,
			Exports: exports,
		})
	}
	return bundles
}

// Package catalog holds the static resource catalog: presets, node
// descriptors, auto-approval thresholds and unit conversions. An optional
// YAML file overrides the built-in presets and is hot-reloaded on change.
package catalog

package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/types"
)

const (
	// DefaultPresetTier is the preset every user falls back to when an
	// approval expires or is revoked.
	DefaultPresetTier = "minimal"

	// ControlPlaneNode is the default-tier node where unapproved,
	// zero-GPU workloads live.
	ControlPlaneNode = "hydra"

	GPUNodeA = "gpu-a"
	GPUNodeB = "gpu-b"

	StorageClassHot = "hydra-hot"
	StorageClassGPU = "hydra-gpu"
	StorageClassNFS = "hydra-nfs"
)

// builtinPresets is the shipped preset catalog. A catalog file supplied
// via configuration replaces it wholesale.
var builtinPresets = []types.Preset{
	{Tier: "minimal", MemoryGB: 1, CPUs: 1, StorageGB: 10, GPUCount: 0, AutoApprove: true,
		AllowedNodes: []string{ControlPlaneNode}},
	{Tier: "conservative", MemoryGB: 2, CPUs: 2, StorageGB: 20, GPUCount: 0, AutoApprove: true,
		AllowedNodes: []string{ControlPlaneNode}},
	{Tier: "enhanced", MemoryGB: 8, CPUs: 4, StorageGB: 50, GPUCount: 0, AutoApprove: false,
		AllowedNodes: []string{ControlPlaneNode, GPUNodeB}},
	{Tier: "gpu-inference", MemoryGB: 16, CPUs: 8, StorageGB: 100, GPUCount: 1, AutoApprove: false,
		AllowedNodes: []string{GPUNodeB}},
	{Tier: "gpu-training", MemoryGB: 32, CPUs: 16, StorageGB: 200, GPUCount: 2, AutoApprove: false,
		AllowedNodes: []string{GPUNodeA}},
}

// Catalog holds presets, node descriptors and the auto-approval
// thresholds. Reads are concurrent; Reload swaps atomically.
type Catalog struct {
	mu         sync.RWMutex
	presets    map[string]types.Preset
	nodes      map[string]types.NodeDescriptor
	thresholds config.Thresholds
}

// New builds a catalog from configuration. When cfg.PresetsCatalogPath is
// set, the file overrides the built-in presets.
func New(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{
		presets:    make(map[string]types.Preset),
		nodes:      make(map[string]types.NodeDescriptor),
		thresholds: cfg.AutoApprove,
	}

	for _, p := range builtinPresets {
		c.presets[p.Tier] = p
	}

	c.nodes[ControlPlaneNode] = types.NodeDescriptor{
		Name:         ControlPlaneNode,
		Address:      cfg.ControlPlaneNodeAddress,
		Role:         types.NodeRoleControlPlane,
		GPUEnabled:   false,
		StorageClass: StorageClassHot,
	}
	c.nodes[GPUNodeA] = types.NodeDescriptor{
		Name:         GPUNodeA,
		Address:      cfg.GPUNodeAAddress,
		Role:         types.NodeRoleTraining,
		GPUEnabled:   true,
		StorageClass: StorageClassNFS,
	}
	c.nodes[GPUNodeB] = types.NodeDescriptor{
		Name:         GPUNodeB,
		Address:      cfg.GPUNodeBAddress,
		Role:         types.NodeRoleInference,
		GPUEnabled:   true,
		StorageClass: StorageClassHot,
	}

	if cfg.PresetsCatalogPath != "" {
		if err := c.loadPresetsFile(cfg.PresetsCatalogPath); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// loadPresetsFile replaces the preset set from a YAML file.
func (c *Catalog) loadPresetsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read presets catalog: %w", err)
	}

	var doc struct {
		Presets []types.Preset `yaml:"presets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse presets catalog: %w", err)
	}
	if len(doc.Presets) == 0 {
		return fmt.Errorf("presets catalog %s contains no presets", path)
	}

	presets := make(map[string]types.Preset, len(doc.Presets))
	for _, p := range doc.Presets {
		if p.Tier == "" {
			return fmt.Errorf("presets catalog %s: preset without tier", path)
		}
		presets[p.Tier] = p
	}

	c.mu.Lock()
	c.presets = presets
	c.mu.Unlock()
	return nil
}

// Preset looks up a preset by tier name.
func (c *Catalog) Preset(tier string) (types.Preset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.presets[tier]
	return p, ok
}

// Presets returns all presets.
func (c *Catalog) Presets() []types.Preset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Preset, 0, len(c.presets))
	for _, p := range c.presets {
		out = append(out, p)
	}
	return out
}

// DefaultPreset returns the minimal fallback preset.
func (c *Catalog) DefaultPreset() types.Preset {
	p, ok := c.Preset(DefaultPresetTier)
	if !ok {
		// The built-in set always carries minimal; a catalog override
		// that removed it falls back to the smallest preset available.
		smallest := types.Preset{MemoryGB: 1 << 30}
		for _, cand := range c.Presets() {
			if cand.MemoryGB < smallest.MemoryGB {
				smallest = cand
			}
		}
		return smallest
	}
	return p
}

// Node looks up a node descriptor by name.
func (c *Catalog) Node(name string) (types.NodeDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[name]
	return n, ok
}

// Nodes returns all node descriptors.
func (c *Catalog) Nodes() []types.NodeDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.NodeDescriptor, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// Thresholds returns the auto-approval caps.
func (c *Catalog) Thresholds() config.Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

// StorageClassFor returns the storage class used for volumes on a node.
func (c *Catalog) StorageClassFor(node string) (string, bool) {
	n, ok := c.Node(node)
	if !ok {
		return "", false
	}
	return n.StorageClass, true
}

// PresetAllowsNode reports whether a preset may be placed on a node.
func PresetAllowsNode(p types.Preset, node string) bool {
	for _, n := range p.AllowedNodes {
		if n == node {
			return true
		}
	}
	return false
}

// Unit conversions. Backends want bytes and millicores; the catalog and
// API speak whole gigabytes and CPUs.

// GBToBytes converts whole gigabytes to bytes.
func GBToBytes(gb int) int64 {
	return int64(gb) * 1024 * 1024 * 1024
}

// BytesToGB converts bytes to whole gigabytes, rounding down.
func BytesToGB(b int64) int {
	return int(b / (1024 * 1024 * 1024))
}

// CPUsToMilli converts whole CPUs to millicores.
func CPUsToMilli(cpus int) int64 {
	return int64(cpus) * 1000
}

// CPUsToNano converts whole CPUs to Docker NanoCPUs.
func CPUsToNano(cpus int) int64 {
	return int64(cpus) * 1_000_000_000
}

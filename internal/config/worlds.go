package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/hbbalancer/hbbalancer/internal/directory"
)

// WorldEntries is the list of backends registered under one world name. In
// the file it may be written either as a single descriptor object or as a
// list of descriptors:
//
//	"WS1": {"address": "10.0.0.2", "port": 9907, "world_name": "WS1"}
//	"WS2": [{"address": "10.0.0.3", "port": 9907}, {"address": "10.0.0.4", "port": 9907}]
type WorldEntries []directory.Descriptor

// UnmarshalJSON accepts an object or an array of objects.
func (w *WorldEntries) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []directory.Descriptor
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("invalid world descriptor list: %w", err)
		}
		*w = list
		return nil
	}

	var single directory.Descriptor
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return fmt.Errorf("invalid world descriptor: %w", err)
	}
	*w = WorldEntries{single}
	return nil
}

// UnmarshalYAML accepts a mapping or a sequence of mappings.
func (w *WorldEntries) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []directory.Descriptor
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("invalid world descriptor list: %w", err)
		}
		*w = list
	case yaml.MappingNode:
		var single directory.Descriptor
		if err := node.Decode(&single); err != nil {
			return fmt.Errorf("invalid world descriptor: %w", err)
		}
		*w = WorldEntries{single}
	default:
		return fmt.Errorf("line %d: world entry must be a mapping or a sequence", node.Line)
	}
	return nil
}

package contract

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dshills/draftgraph/graph"
)

// LoadYAML decodes and validates a contract. Unknown fields, predicate names
// and selector names are errors. A nil reg uses NewRegistry().
//
//	name: compose
//	version: "1"
//	entry: plan
//	nodes:
//	  - {id: plan, kind: plan}
//	  - {id: draft, kind: draft_section}
//	routes:
//	  - name: fan_out_sections
//	    from: plan
//	    branches:
//	      - {name: sections, to: draft, units: all_sections}
func LoadYAML(r io.Reader, reg *Registry) (*graph.Contract, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode contract: %w", err)
	}
	return doc.build(reg)
}

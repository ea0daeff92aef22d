package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/sift/internal/model"
)

// sourceManifest is the sources-file layout:
//
//	sources:
//	  - name: api
//	    source_type: file
//	    type_config:
//	      path: /var/log/api/*.log
//	    trigger:
//	      enabled: true
//	      min_batches: 5
type sourceManifest struct {
	Sources []model.StreamingSource `yaml:"sources"`
}

func loadManifest(path string) ([]model.StreamingSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var m sourceManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	for i, src := range m.Sources {
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("sources file %s: entry %d (%s): %w", path, i, src.Name, err)
		}
	}
	return m.Sources, nil
}

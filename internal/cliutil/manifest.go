package cliutil

import (
	"symrun/internal/batch"
	"symrun/internal/config"
)

// ManifestDocument bundles a loaded manifest with the derived task graph.
type ManifestDocument struct {
	Manifest *config.Manifest
	Graph    *batch.Graph
	Source   string
}

// LoadManifestFromFile loads a tasks manifest and builds its task graph.
func LoadManifestFromFile(path string) (*ManifestDocument, error) {
	m, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	graph, err := batch.BuildGraph(m)
	if err != nil {
		return nil, err
	}
	return &ManifestDocument{Manifest: m, Graph: graph, Source: path}, nil
}

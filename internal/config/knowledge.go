package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// KnowledgeDocument is one passage of a knowledge file.
type KnowledgeDocument struct {
	ID      string `toml:"id"`
	Title   string `toml:"title"`
	URL     string `toml:"url"`
	Content string `toml:"content"`
}

type knowledgeFile struct {
	Documents []KnowledgeDocument `toml:"documents"`
}

// LoadKnowledge reads the documents of a knowledge file.
func LoadKnowledge(path string) ([]KnowledgeDocument, error) {
	var f knowledgeFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decode knowledge %s: %w", path, err)
	}
	for i, d := range f.Documents {
		if d.ID == "" {
			return nil, fmt.Errorf("config: knowledge document %d has no id", i)
		}
		if d.Content == "" {
			return nil, fmt.Errorf("config: knowledge document %q has no content", d.ID)
		}
	}
	return f.Documents, nil
}

package llm

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/lectern-ai/platform/internal/errors"
)

// PromptSet holds the system roles and user prompt prefixes per task. It is
// loaded from a YAML file so prompt tuning needs no rebuild.
type PromptSet struct {
	System struct {
		Notes string `yaml:"notes"`
		Quiz  string `yaml:"quiz"`
		QA    string `yaml:"qa"`
	} `yaml:"system"`
	User struct {
		Notes string `yaml:"notes"`
		Quiz  string `yaml:"quiz"`
	} `yaml:"user"`
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() *PromptSet {
	p := &PromptSet{}
	p.System.Notes = "You are a study assistant. Turn raw lecture transcripts into well-structured markdown notes with headings, key points, and definitions. Preserve the source language."
	p.System.Quiz = "You are a study assistant. Write quiz questions in markdown that test understanding of the provided material, followed by an answer key."
	p.System.QA = "You are a study assistant answering follow-up questions about the user's material. Ground every answer in the provided context and say so when the context does not cover the question."
	p.User.Notes = "Produce structured notes for the following material.\n\n"
	p.User.Quiz = "Produce a quiz for the following material.\n\n"
	return p
}

// LoadPrompts reads a prompt set from path. A missing file falls back to the
// defaults; a present but malformed file is an error.
func LoadPrompts(path string) (*PromptSet, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultPrompts(), nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "read prompts file")
	}

	p := DefaultPrompts()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "parse prompts file")
	}
	return p, nil
}

package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"sync"
	"text/template"
)

//go:embed templates/*.txt
var templateFS embed.FS

// Lang selects the grading prompt language.
type Lang string

const (
	// LangEN is the English grading prompt.
	LangEN Lang = "en"
	// LangRU is the Russian grading prompt, matching the language of the
	// reference banks the system was built for.
	LangRU Lang = "ru"
)

var validLangs = map[Lang]bool{
	LangEN: true,
	LangRU: true,
}

var (
	loadOnce       sync.Once
	loadErr        error
	gradeTemplates map[Lang]*template.Template
)

// IsValidLang checks if a prompt language name is valid.
func IsValidLang(l string) bool {
	return validLangs[Lang(l)]
}

// GradeData holds template data for a grading prompt.
type GradeData struct {
	Question        string
	ReferenceAnswer string
	SubmittedAnswer string
}

// Load parses the embedded prompt templates.
// It uses sync.Once to ensure templates are loaded only once.
func Load() error {
	loadOnce.Do(func() {
		gradeTemplates = make(map[Lang]*template.Template)
		for l := range validLangs {
			name := "templates/grade_" + string(l) + ".txt"
			content, err := templateFS.ReadFile(name)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + name + ": " + err.Error())
				return
			}
			tmpl, err := template.New("grade").Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + name + ": " + err.Error())
				return
			}
			gradeTemplates[l] = tmpl
		}
	})
	return loadErr
}

// BuildGradePrompt renders the grading prompt for one question in the
// given language.
func BuildGradePrompt(lang Lang, data GradeData) (string, error) {
	if gradeTemplates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := gradeTemplates[lang]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("invalid prompt language: " + string(lang))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

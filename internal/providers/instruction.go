package providers

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"scenefit/internal/domain"
)

var titleCaser = cases.Title(language.English)

// BuildInstruction composes the editing instruction sent to a provider from
// the job's immutable inputs. Free-form user text is appended last so it can
// refine, but not override, the composition directive.
func BuildInstruction(inputs domain.JobInputs) string {
	parts := []string{
		"Place the person from the subject photos into the target scene.",
		"Match the subject's face exactly; keep skin tone, lighting and shadows consistent with the scene.",
	}
	if style := strings.TrimSpace(inputs.Style); style != "" {
		parts = append(parts, fmt.Sprintf("Visual style: %s.", titleCaser.String(style)))
	}
	if extra := strings.TrimSpace(inputs.Instruction); extra != "" {
		parts = append(parts, "Additional instructions: "+extra)
	}
	parts = append(parts, "Keep natural proportions, no blur, no artifacts.")
	return strings.Join(parts, " ")
}

// stricterDirectives are appended in order when a provider silently returns
// the target scene unchanged. An identical retry would reproduce the identical
// no-op, so each level leaves less room for the model to skip the edit.
var stricterDirectives = []string{
	"The output must be visibly different from the target scene: the subject must appear in it. Do not return the input image.",
	"Redraw the entire composition from scratch with the subject integrated into the scene. Returning the target scene unmodified is a failure.",
}

// StricterInstruction returns the instruction variant for the given retry
// level (1-based). Level 0 returns the base instruction unchanged.
func StricterInstruction(base string, level int) string {
	if level <= 0 {
		return base
	}
	if level > len(stricterDirectives) {
		level = len(stricterDirectives)
	}
	return base + " " + stricterDirectives[level-1]
}

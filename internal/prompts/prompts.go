// Package prompts renders the edit and generate instructions for a breed.
package prompts

import (
	"fmt"
	"strings"
)

// Prompts holds the three instructions sent to the image model.
// Edit2 is written to be applied to the output of Edit1, not to the original.
type Prompts struct {
	Edit1    string
	Edit2    string
	Generate string
}

const editPreamble = "Edit ONLY the face area. Keep the same person, same body, same clothes, same background. " +
	"Do NOT add any extra animals, extra faces, or split-screen/comparison panels. " +
	"One subject only. "

// Build is a pure function of breed.
func Build(breed string) Prompts {
	breed = strings.TrimSpace(breed)
	return Prompts{
		Edit1: editPreamble + fmt.Sprintf(
			"Subtle (30%%) %s traits: faint fur texture on cheeks, slightly wider/darker canine nose, "+
				"very slight muzzle lengthening, tiny ear hints near hairline.", breed),
		Edit2: editPreamble + fmt.Sprintf(
			"Continue from the current image. Stronger (70%%) %s traits: visible fur on face/neck, clearly canine nose, "+
				"noticeably longer muzzle, dog ears formed, jaw reshaped to canine proportions.", breed),
		Generate: fmt.Sprintf(
			"Single %s dog headshot portrait, studio lighting, centered, one dog only, no people, no collage, no text.", breed),
	}
}

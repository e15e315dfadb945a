package pool

import (
	"fmt"
	"math/rand/v2"
)

// Slot grammar for synthesized image prompts. One prompt is assembled per
// automatic task and per validation batch.
var (
	promptSubjects = []string{
		"a young woman",
		"an elderly man",
		"a teenager",
		"a child",
		"a middle-aged person",
	}
	promptStyles = []string{
		"with realistic facial features",
		"in modern clothing",
		"with a background of a bustling city",
		"posing in a natural setting",
		"with expressive emotions",
	}
	promptEmotions = []string{
		"happy",
		"sad",
		"angry",
		"excited",
		"thoughtful",
	}
	promptAccessories = []string{
		"wearing glasses",
		"with a hat",
		"holding a book",
		"with a backpack",
		"with a pet dog",
	}
	promptSettings = []string{
		"at a park",
		"on a busy street",
		"in a cozy room",
		"at the beach",
		"in a forest",
	}
	promptActions = []string{
		"smiling brightly",
		"looking pensive",
		"laughing with friends",
		"staring into the distance",
		"reading a book",
	}
)

// pick returns a uniformly random element.
func pick(options []string) string {
	return options[rand.IntN(len(options))]
}

// RandomImagePrompt assembles a random portrait prompt from the slot grammar.
func RandomImagePrompt() string {
	return fmt.Sprintf("Create an image of %s %s that looks %s, %s, %s, and %s.",
		pick(promptSubjects), pick(promptStyles), pick(promptEmotions),
		pick(promptAccessories), pick(promptSettings), pick(promptActions))
}

// randomSeed draws a positive generation seed, rendered as a decimal string
// on the wire.
func randomSeed() int64 {
	return rand.Int64N(1<<62) + 1
}

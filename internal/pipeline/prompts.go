package pipeline

import (
	_ "embed"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

// Prompt is the system and user text for one stage.
type Prompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Render fills the {name} placeholders of the user prompt from vars.
func (p Prompt) Render(vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(p.User)
}

var (
	promptsOnce sync.Once
	prompts     map[string]Prompt
	promptsErr  error
)

// LoadPrompts returns the embedded prompt catalog keyed by stage name.
func LoadPrompts() (map[string]Prompt, error) {
	promptsOnce.Do(func() {
		var wrapper struct {
			Prompts map[string]Prompt `yaml:"prompts"`
		}
		if err := yaml.Unmarshal(promptsYAML, &wrapper); err != nil {
			promptsErr = eris.Wrap(err, "pipeline: parse prompts")
			return
		}
		for _, name := range []string{StageTriage, StageDependency, StageAuth, StageInjection, StageSecrets, StageFilter, StageSynthesis, StageRemediation} {
			if _, ok := wrapper.Prompts[name]; !ok {
				promptsErr = eris.Errorf("pipeline: prompt %q missing", name)
				return
			}
		}
		prompts = wrapper.Prompts
	})
	return prompts, promptsErr
}

func mustPrompt(name string) Prompt {
	all, err := LoadPrompts()
	if err != nil {
		panic(err)
	}
	return all[name]
}

package executor

import (
	"regexp"
	"strings"

	"github.com/psd-ai/studio/utils/errs"
)

// variablePattern matches $name references in prompt templates
var variablePattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// entityReplacer normalizes HTML-entity encodings an upstream rich-text
// editor may have written into stored templates
var entityReplacer = strings.NewReplacer(
	"&#36;", "$",
	"&#x24;", "$",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// escapeReplacer normalizes backslash-escaped template syntax
var escapeReplacer = strings.NewReplacer(
	`\$`, "$",
	`\{`, "{",
	`\}`, "}",
	`\_`, "_",
)

// DecodeTemplate normalizes escaped template syntax to literal characters.
// Stored content may carry HTML entities or backslash escapes from the
// authoring editor; both decode to the plain character before substitution.
func DecodeTemplate(content string) string {
	return escapeReplacer.Replace(entityReplacer.Replace(content))
}

// SubstitutionSources holds what a $variable may resolve to: submitted
// input values keyed by field name and the outputs of prior completed steps
// keyed by both prompt id and prompt name.
type SubstitutionSources struct {
	Inputs       map[string]interface{}
	PriorOutputs map[string]string
	InputMapping map[string]string
}

// resolve returns the replacement text for one variable name
func (s SubstitutionSources) resolve(name string) (string, bool) {
	// An explicit mapping redirects the variable to its source.
	if s.InputMapping != nil {
		if source, ok := s.InputMapping[name]; ok {
			name = source
		}
	}
	if value, ok := s.Inputs[name]; ok {
		return formatValue(value), true
	}
	if output, ok := s.PriorOutputs[name]; ok {
		return output, true
	}
	return "", false
}

// Substitute decodes the template and replaces every $variable reference
// with its resolved value. Any unresolved variable is a fatal configuration
// error for the step.
func Substitute(template string, sources SubstitutionSources) (string, []string, error) {
	decoded := DecodeTemplate(template)

	var resolved []string
	var missing []string
	result := variablePattern.ReplaceAllStringFunc(decoded, func(token string) string {
		name := token[1:]
		value, ok := sources.resolve(name)
		if !ok {
			missing = append(missing, name)
			return token
		}
		resolved = append(resolved, name)
		return value
	})

	if len(missing) > 0 {
		return "", nil, &errs.SubstitutionError{
			Variable: missing[0],
			Message:  "variable is not an input field or a prior prompt output",
		}
	}
	return result, resolved, nil
}

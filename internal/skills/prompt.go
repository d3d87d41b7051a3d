package skills

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
)

// promptTemplate is the agent system prompt with a {skills_section}
// placeholder for the rendered skill entries.
//
//go:embed agent_prompt.md
var promptTemplate string

// skillSectionTemplate is one compact prompt entry per skill.
const skillSectionTemplate = `---

### **{skill_id}**
**Name:** {name}
**Version:** {version}
**Description:** {description}
**Dependencies:** ` + "`{dependencies}`" + `
{use_cases}
**Skill location:** ` + "`/skills/{skill_id}/Skill.md`" + `
`

// useCasesRegex matches the bullet list under a "When to Use This Skill"
// heading, tolerating an optional lead-in sentence.
var useCasesRegex = regexp.MustCompile(`(?i)## When to Use This Skill\s*\n\s*(?:Invoke this skill when.*?:)?\s*\n((?:[-*]\s+.+\n?)+)`)

func renderAgentPrompt(skills []Skill) string {
	return strings.ReplaceAll(promptTemplate, "{skills_section}", renderSkillsSection(skills))
}

func renderSkillsSection(skills []Skill) string {
	if len(skills) == 0 {
		return "No skills currently available.\n"
	}

	sections := make([]string, 0, len(skills))
	for _, skill := range skills {
		section := skillSectionTemplate
		section = strings.ReplaceAll(section, "{skill_id}", skill.ID)
		section = strings.ReplaceAll(section, "{name}", skill.Name)
		section = strings.ReplaceAll(section, "{version}", skill.Version)
		section = strings.ReplaceAll(section, "{description}", skill.Description)
		section = strings.ReplaceAll(section, "{dependencies}", skill.Dependencies)
		section = strings.ReplaceAll(section, "{use_cases}", extractUseCases(skill.Body))
		sections = append(sections, section)
	}
	return strings.Join(sections, "\n")
}

func extractUseCases(body string) string {
	m := useCasesRegex.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return fmt.Sprintf("\n**Use this skill when the user requests:**\n%s\n", strings.TrimSpace(m[1]))
}

package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/alexma233/Memoh/pkg/schedule"
)

// Skill is a named block of instructions the agent can use.
type Skill struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Content     string `yaml:"content" json:"content"`
}

// Profile is the agent's identity material.
type Profile struct {
	Identity      string
	Soul          string
	Tools         string
	Skills        []Skill
	EnabledSkills []string
}

type systemHeader struct {
	Language           string `yaml:"language"`
	AvailableChannels  string `yaml:"available-channels"`
	MaxContextLoadTime string `yaml:"max-context-load-time"`
	TimeNow            string `yaml:"time-now"`
}

type userHeader struct {
	ChannelIdentityID string   `yaml:"channel-identity-id"`
	DisplayName       string   `yaml:"display-name"`
	Channel           string   `yaml:"channel"`
	Time              string   `yaml:"time"`
	Attachments       []string `yaml:"attachments"`
}

type scheduleHeader struct {
	ScheduleID  string `yaml:"schedule-id"`
	Name        string `yaml:"schedule-name"`
	Description string `yaml:"schedule-description"`
	Pattern     string `yaml:"pattern"`
	MaxCalls    *int   `yaml:"max-calls,omitempty"`
	Time        string `yaml:"time"`
}

func frontMatter(v any) (string, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal prompt header")
	}
	return "---\n" + string(b) + "---\n", nil
}

type SystemParams struct {
	Now            time.Time
	Language       string
	ContextHorizon time.Duration
	Channels       []string
}

// BuildSystem renders the system prompt: a YAML header followed by the
// agent's standing instructions and profile sections.
func (p Profile) BuildSystem(sp SystemParams) (string, error) {
	minutes := int(sp.ContextHorizon / time.Minute)
	header, err := frontMatter(systemHeader{
		Language:           sp.Language,
		AvailableChannels:  strings.Join(sp.Channels, ","),
		MaxContextLoadTime: fmt.Sprintf("%d", minutes),
		TimeNow:            sp.Now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("You are an AI agent, and now you wake up.\n\n")
	sb.WriteString("## Memory\n\n")
	fmt.Fprintf(&sb, "Your context is loaded from the recent %d minutes (%.2f hours).\n", minutes, float64(minutes)/60)
	sb.WriteString("For older memory use the `search_memory` tool.\n\n")
	sb.WriteString("## Contacts\n\n")
	sb.WriteString("Messages may come from many people or bots on different channels. ")
	sb.WriteString("Use the contact tools to record and look up who they are.\n\n")
	sb.WriteString("## Channels\n\n")
	sb.WriteString("You can receive and send messages on different channels with `send_message`. ")
	sb.WriteString("After a successful send your response is complete.\n\n")

	sb.WriteString("## Skills\n\n")
	fmt.Fprintf(&sb, "There are %d skills available.\n", len(p.Skills))
	for _, s := range p.Skills {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	sb.WriteString("\n## IDENTITY.md\n\n")
	sb.WriteString(strings.TrimSpace(p.Identity))
	sb.WriteString("\n\n## SOUL.md\n\n")
	sb.WriteString(strings.TrimSpace(p.Soul))
	sb.WriteString("\n\n## TOOLS.md\n\n")
	sb.WriteString(strings.TrimSpace(p.Tools))

	enabled := p.enabledSkills()
	for i, s := range enabled {
		if i == 0 {
			sb.WriteString("\n\n")
		} else {
			sb.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&sb, "**`%s`**\n> %s\n\n%s", s.Name, s.Description, strings.TrimSpace(s.Content))
	}
	return strings.TrimSpace(sb.String()), nil
}

func (p Profile) enabledSkills() []Skill {
	if len(p.EnabledSkills) == 0 {
		return nil
	}
	want := map[string]struct{}{}
	for _, n := range p.EnabledSkills {
		want[n] = struct{}{}
	}
	out := make([]Skill, 0, len(want))
	for _, s := range p.Skills {
		if _, ok := want[s.Name]; ok {
			out = append(out, s)
		}
	}
	return out
}

type UserParams struct {
	ChannelIdentityID string
	DisplayName       string
	Channel           string
	Time              time.Time
	Attachments       []string
}

// BuildUser renders the user prompt: a YAML header and the query.
func BuildUser(query string, up UserParams) (string, error) {
	attachments := up.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	header, err := frontMatter(userHeader{
		ChannelIdentityID: up.ChannelIdentityID,
		DisplayName:       up.DisplayName,
		Channel:           up.Channel,
		Time:              up.Time.UTC().Format(time.RFC3339),
		Attachments:       attachments,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(header + strings.TrimSpace(query)), nil
}

// BuildScheduleQuery renders the query of a scheduled trigger.
func BuildScheduleQuery(d schedule.Descriptor, now time.Time) (string, error) {
	header, err := frontMatter(scheduleHeader{
		ScheduleID:  d.ID,
		Name:        d.Name,
		Description: d.Description,
		Pattern:     d.Pattern,
		MaxCalls:    d.MaxCalls,
		Time:        now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return header + "This is a scheduled task. Run the command below.\n\n" + strings.TrimSpace(d.Command), nil
}

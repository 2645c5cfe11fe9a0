package roster

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Incoming is an externally supplied entry payload, typically decoded
// from a share link's query string.
type Incoming struct {
	Name     string
	ImageURL string
	Skills   []string
	// RequestedSlot is a 0-based slot index, or -1 when the payload
	// leaves slot selection to the roster.
	RequestedSlot int
	// RequestedParty is a 1-based party id, or 0 when unspecified.
	RequestedParty int
}

// ParseIncoming reads an import payload from query parameters. Skills
// may arrive pipe-delimited under "skills", as repeated "skill" values,
// or as "skill1".."skill5". Returns nil when the payload carries no
// name, image, or skill.
func ParseIncoming(params url.Values) *Incoming {
	if len(params) == 0 {
		return nil
	}

	name := NormalizeText(params.Get("name"))
	imageURL := NormalizeText(params.Get("img"))

	var skills []string
	if raw := params.Get("skills"); raw != "" {
		for _, part := range strings.Split(raw, "|") {
			skills = append(skills, NormalizeText(part))
		}
	}
	if list := params["skill"]; len(list) > 0 {
		skills = skills[:0]
		for _, part := range list {
			skills = append(skills, NormalizeText(part))
		}
	}
	for i := 1; i <= SkillCount; i++ {
		if value := NormalizeText(params.Get(fmt.Sprintf("skill%d", i))); value != "" {
			skills = append(skills, value)
		}
	}

	filtered := skills[:0]
	for _, skill := range skills {
		if skill != "" {
			filtered = append(filtered, skill)
		}
	}
	skills = filtered
	if len(skills) > SkillCount {
		skills = skills[:SkillCount]
	}

	if name == "" && imageURL == "" && len(skills) == 0 {
		return nil
	}

	incoming := &Incoming{
		Name:           name,
		ImageURL:       imageURL,
		Skills:         skills,
		RequestedSlot:  -1,
		RequestedParty: 0,
	}
	if slot, err := strconv.Atoi(strings.TrimSpace(params.Get("slot"))); err == nil {
		incoming.RequestedSlot = slot - 1
	}
	if party, err := strconv.Atoi(strings.TrimSpace(params.Get("party"))); err == nil {
		if party < 1 {
			party = 1
		}
		incoming.RequestedParty = party
	}
	return incoming
}

// Entry builds the normalized entry this payload describes.
func (in *Incoming) Entry() Entry {
	entry := DefaultEntry()
	entry.Name = in.Name
	entry.ImageURL = in.ImageURL
	for i := 0; i < SkillCount && i < len(in.Skills); i++ {
		entry.Skills[i] = in.Skills[i]
	}
	return entry
}

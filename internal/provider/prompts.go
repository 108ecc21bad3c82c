package provider

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// PromptLibrary holds the instructions sent to the edit-image model.
// Rooms is keyed by room type, then by style.
type PromptLibrary struct {
	Declutter    string                       `yaml:"declutter"`
	StagingRules string                       `yaml:"staging_rules"`
	RawStyles    []string                     `yaml:"raw_styles"`
	Fallback     PromptKey                    `yaml:"fallback"`
	Rooms        map[string]map[string]string `yaml:"rooms"`
}

// PromptKey selects a library entry.
type PromptKey struct {
	Room  string `yaml:"room"`
	Style string `yaml:"style"`
}

const genericStyle = "Contemporary furniture in neutral tones, soft textiles and a few decorative plants."

// DefaultPrompts returns the built-in library.
func DefaultPrompts() *PromptLibrary {
	return &PromptLibrary{
		Declutter: "Edit and return the provided real estate photo with a professional virtual cleanup applied. " +
			"OUTPUT: Photorealistic cleaned interior photo, same resolution and framing as input.\n\n" +
			"Remove every transient or personal object (dishes, clothes, papers, cables, bags, trash). " +
			"Leave surfaces clear, beds made and cushions straightened.\n\n" +
			"Do not change walls, floors, ceiling, windows, doors, fixed fixtures or furniture placement. " +
			"Keep the original lighting, colors and materials.",
		StagingRules: "PLACEMENT RULE: no inserted furniture, rug or decor may block or partially cover doors, " +
			"windows, corridors or any visible opening. Every opening stays fully visible.",
		RawStyles: []string{"popular_brasileiro"},
		Fallback:  PromptKey{Room: "living_room", Style: "moderno_brasileiro"},
		Rooms: map[string]map[string]string{
			"living_room": {
				"moderno_brasileiro": "Brazilian contemporary living room: light gray fabric sofa, " +
					"freijo wood rack, large low-pile rug, slim floor lamp and a medium plant.",
			},
		},
	}
}

// LoadPrompts reads a YAML prompt library and overlays it on the defaults.
// An empty path returns the defaults.
func LoadPrompts(path string) (*PromptLibrary, error) {
	lib := DefaultPrompts()
	if path == "" {
		return lib, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt library: %w", err)
	}

	var file PromptLibrary
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse prompt library: %w", err)
	}

	lib.merge(&file)
	return lib, nil
}

func (l *PromptLibrary) merge(other *PromptLibrary) {
	if other.Declutter != "" {
		l.Declutter = other.Declutter
	}
	if other.StagingRules != "" {
		l.StagingRules = other.StagingRules
	}
	if len(other.RawStyles) > 0 {
		l.RawStyles = other.RawStyles
	}
	if other.Fallback.Room != "" && other.Fallback.Style != "" {
		l.Fallback = other.Fallback
	}
	for room, styles := range other.Rooms {
		if l.Rooms[room] == nil {
			l.Rooms[room] = map[string]string{}
		}
		for style, prompt := range styles {
			l.Rooms[room][style] = prompt
		}
	}
}

// Build returns the prompt for an edit-image job. Declutter jobs get the
// cleanup prompt; staging jobs look up room and style, falling back to the
// library default. Raw styles are sent as written, everything else is wrapped
// with the placement rules and the staging frame.
func (l *PromptLibrary) Build(job *domain.Job) string {
	if job.Service == domain.ServiceDeclutter {
		return l.Declutter
	}

	room, style := job.RoomType.String, job.Style.String
	raw := l.lookup(room, style)
	if raw == "" {
		raw = l.lookup(l.Fallback.Room, l.Fallback.Style)
	}
	if raw == "" {
		raw = genericStyle
	}

	if slices.Contains(l.RawStyles, style) {
		return raw
	}

	framed := stagingFrame(raw, room)
	if l.StagingRules == "" {
		return framed
	}
	return l.StagingRules + "\n\n" + framed
}

func (l *PromptLibrary) lookup(room, style string) string {
	if styles, ok := l.Rooms[room]; ok {
		return styles[style]
	}
	return ""
}

var roomPattern = regexp.MustCompile(`(?i)\b(kitchen|bedroom|bathroom|living room|dining room|office)\b`)

func stagingFrame(styleRef, roomType string) string {
	room := strings.ReplaceAll(roomType, "_", " ")
	if room == "" {
		room = roomPattern.FindString(styleRef)
	}
	if room == "" {
		room = "interior space"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Edit and return the provided real estate photo with professional virtual staging applied, "+
		"furnishing an empty or unfurnished %s. "+
		"OUTPUT: Photorealistic furnished interior photo, same resolution and framing as input.\n\n", room)
	fmt.Fprintf(&b, "STYLE REFERENCE (recreate this aesthetic in the room):\n%s\n\n", styleRef)
	b.WriteString("CRITICAL RULES:\n" +
		"- Preserve ALL architectural elements exactly (walls, floors, ceiling, windows, doors)\n" +
		"- Maintain original camera angle, perspective, and lighting conditions\n" +
		"- Add ONLY furniture, decor, and staging elements consistent with the style reference\n" +
		"- Ensure photorealistic rendering indistinguishable from a real photograph\n" +
		"- No text, watermarks, or UI elements")
	return b.String()
}

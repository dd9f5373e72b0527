// Package mapping turns source field maps into target entity attributes.
// Each entity type has a Spec that spells out its fallback chains.
package mapping

import (
	"strings"

	"github.com/ha1tch/storysync/pkg/models"
)

// RefField maps source reference fields onto one foreign key column. IDKeys
// carry source record ids, NameKeys carry a display name to match by.
type RefField struct {
	Column   string
	Target   models.EntityType
	IDKeys   []string
	NameKeys []string
}

// LinkField maps a source array of record ids onto an association column
type LinkField struct {
	Column string
	Target models.EntityType
	Keys   []string
}

// AttrField copies a source value into a canonical attribute key
type AttrField struct {
	Attr string
	Keys []string
	List bool
}

// Spec describes how one entity type is read from the source
type Spec struct {
	Type       models.EntityType
	NameKeys   []string
	Refs       []RefField
	Links      []LinkField
	Attributes []AttrField
	// TextAttrs are the attribute keys scanned for theme keywords
	TextAttrs []string
}

var (
	orgRef = RefField{
		Column:   "organization_id",
		Target:   models.Organization,
		IDKeys:   []string{"org_ref", "organization_ref", "organization_id", "Organization", "Organisation"},
		NameKeys: []string{"organization_name", "Organization Name", "Organisation Name"},
	}
	locationRef = RefField{
		Column:   "location_id",
		Target:   models.Location,
		IDKeys:   []string{"location_ref", "location_id", "Location"},
		NameKeys: []string{"location_name", "Location Name"},
	}
	projectRef = RefField{
		Column:   "project_id",
		Target:   models.Project,
		IDKeys:   []string{"project_ref", "project_id", "Project", "Projects"},
		NameKeys: []string{"project_name", "Project Name"},
	}
	storytellerRef = RefField{
		Column:   "storyteller_id",
		Target:   models.Storyteller,
		IDKeys:   []string{"storyteller_ref", "storyteller_id", "Storyteller"},
		NameKeys: []string{"storyteller_name", "Storyteller Name"},
	}
	tagsAttr = AttrField{Attr: "tags", Keys: []string{"tags", "Tags", "keywords", "Keywords"}, List: true}
)

var specs = map[models.EntityType]Spec{
	models.Organization: {
		Type:     models.Organization,
		NameKeys: []string{"name", "Name", "Organisation Name", "Organization Name"},
		Attributes: []AttrField{
			{Attr: "description", Keys: []string{"description", "Description"}},
			{Attr: "website", Keys: []string{"website", "Website"}},
		},
	},
	models.Location: {
		Type:     models.Location,
		NameKeys: []string{"name", "Name", "Location"},
		Attributes: []AttrField{
			{Attr: "state", Keys: []string{"state", "State"}},
			{Attr: "country", Keys: []string{"country", "Country"}},
		},
	},
	models.Project: {
		Type:     models.Project,
		NameKeys: []string{"name", "Name", "Project Name", "title"},
		Refs:     []RefField{orgRef, locationRef},
		Links: []LinkField{
			{Column: "linked_storytellers", Target: models.Storyteller, Keys: []string{"storytellers", "Storytellers"}},
		},
		Attributes: []AttrField{
			{Attr: "description", Keys: []string{"description", "Description"}},
			{Attr: "status", Keys: []string{"status", "Status"}},
		},
	},
	models.Storyteller: {
		Type:     models.Storyteller,
		NameKeys: []string{"name", "Name", "Full Name", "full_name"},
		Refs:     []RefField{orgRef, projectRef, locationRef},
		Attributes: []AttrField{
			{Attr: "bio", Keys: []string{"bio", "Bio", "Biography"}},
			{Attr: "email", Keys: []string{"email", "Email"}},
			{Attr: "role", Keys: []string{"role", "Role"}},
		},
	},
	models.Story: {
		Type:     models.Story,
		NameKeys: []string{"title", "Title", "name", "Name", "Story Title"},
		Refs:     []RefField{storytellerRef, projectRef},
		Links: []LinkField{
			{Column: "linked_storytellers", Target: models.Storyteller, Keys: []string{"storytellers", "Storytellers", "linked_storytellers"}},
			{Column: "linked_themes", Target: models.Theme, Keys: []string{"themes", "Themes", "theme_refs"}},
			{Column: "linked_quotes", Target: models.Quote, Keys: []string{"quotes", "Quotes"}},
			{Column: "linked_media", Target: models.Media, Keys: []string{"media", "Media"}},
		},
		Attributes: []AttrField{
			{Attr: "summary", Keys: []string{"summary", "Summary", "Story Summary"}},
			{Attr: "content", Keys: []string{"content", "Content", "Transcript"}},
			tagsAttr,
		},
		TextAttrs: []string{"name", "summary", "tags"},
	},
	models.Theme: {
		Type:     models.Theme,
		NameKeys: []string{"name", "Name", "Theme", "theme"},
		Links: []LinkField{
			{Column: "linked_storytellers", Target: models.Storyteller, Keys: []string{"storytellers", "Storytellers"}},
			{Column: "linked_stories", Target: models.Story, Keys: []string{"stories", "Stories"}},
		},
		Attributes: []AttrField{
			{Attr: "description", Keys: []string{"description", "Description"}},
			{Attr: "keywords", Keys: []string{"keywords", "Keywords"}, List: true},
		},
	},
	models.Quote: {
		Type:     models.Quote,
		NameKeys: []string{"text", "Quote", "Text", "quote"},
		Refs:     []RefField{storytellerRef},
		Links: []LinkField{
			{Column: "linked_stories", Target: models.Story, Keys: []string{"story_ref", "Story", "stories", "Stories"}},
			{Column: "linked_themes", Target: models.Theme, Keys: []string{"themes", "Themes", "theme_refs"}},
		},
		Attributes: []AttrField{
			{Attr: "context", Keys: []string{"context", "Context"}},
			tagsAttr,
		},
		TextAttrs: []string{"name", "context", "tags"},
	},
	models.Media: {
		Type:     models.Media,
		NameKeys: []string{"title", "Title", "name", "Name", "filename", "File Name"},
		Refs:     []RefField{storytellerRef},
		Links: []LinkField{
			{Column: "linked_stories", Target: models.Story, Keys: []string{"story_ref", "Story", "stories", "Stories"}},
			{Column: "linked_themes", Target: models.Theme, Keys: []string{"themes", "Themes", "theme_refs"}},
		},
		Attributes: []AttrField{
			{Attr: "url", Keys: []string{"url", "URL", "Link", "File"}},
			{Attr: "media_type", Keys: []string{"media_type", "type", "Type"}},
			{Attr: "description", Keys: []string{"description", "Description", "Caption"}},
			tagsAttr,
		},
		TextAttrs: []string{"name", "description", "tags"},
	},
}

// SpecFor returns the mapping spec of an entity type
func SpecFor(t models.EntityType) Spec {
	return specs[t]
}

// Name resolves the display name through the spec's fallback chain.
// Storytellers fall back to "First Name" + "Last Name".
func (s Spec) Name(f Fields) string {
	if name := f.String(s.NameKeys...); name != "" {
		return name
	}
	if s.Type == models.Storyteller {
		first := f.String("first_name", "First Name")
		last := f.String("last_name", "Last Name")
		return strings.TrimSpace(first + " " + last)
	}
	return ""
}

// Attrs extracts the canonical attribute map
func (s Spec) Attrs(f Fields) map[string]interface{} {
	out := make(map[string]interface{})
	for _, a := range s.Attributes {
		if a.List {
			if vals := f.Strings(a.Keys...); len(vals) > 0 {
				list := make([]interface{}, len(vals))
				for i, v := range vals {
					list[i] = v
				}
				out[a.Attr] = list
			}
			continue
		}
		if v := f.String(a.Keys...); v != "" {
			out[a.Attr] = v
		}
	}
	return out
}

// SourceLinks extracts association references keyed by column
func (s Spec) SourceLinks(f Fields) map[string][]string {
	out := make(map[string][]string)
	for _, l := range s.Links {
		if ids := f.Strings(l.Keys...); len(ids) > 0 {
			out[l.Column] = ids
		}
	}
	return out
}

// LinkTarget returns the entity type an association column points at
func (s Spec) LinkTarget(column string) (models.EntityType, bool) {
	for _, l := range s.Links {
		if l.Column == column {
			return l.Target, true
		}
	}
	return "", false
}

// Text returns the entity's searchable text for keyword matching
func (s Spec) Text(e *models.TargetEntity) string {
	var parts []string
	for _, attr := range s.TextAttrs {
		if attr == "name" {
			parts = append(parts, e.Name)
			continue
		}
		parts = append(parts, Fields(e.Attributes).Joined(" ", attr))
	}
	return strings.Join(parts, " ")
}

// Keywords returns the terms a theme is matched by: its name and keyword list
func Keywords(theme *models.TargetEntity) []string {
	terms := []string{theme.Name}
	terms = append(terms, Fields(theme.Attributes).Strings("keywords")...)
	return terms
}

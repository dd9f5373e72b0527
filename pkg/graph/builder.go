package graph

import (
	"context"
	"fmt"

	"github.com/ha1tch/storysync/pkg/mapping"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/rs/zerolog"
)

// linkTypes are the entity types that carry association columns
var linkTypes = []models.EntityType{
	models.Project, models.Storyteller, models.Story, models.Theme, models.Quote, models.Media,
}

// textTypes are scanned for theme keywords
var textTypes = []models.EntityType{models.Story, models.Quote, models.Media}

// Result is the outcome of one relationship build
type Result struct {
	Graph   *IndexedGraph
	Updates []storage.AssociationUpdate
	Edges   int
	// ZeroLinks lists migrated rows that ended up with no association at all
	ZeroLinks  []*models.TargetEntity
	Unresolved []models.UnresolvedRef
}

// Builder recomputes every association column from the rows in an index.
//
// Migrated rows get exactly the computed edge set, so repeated runs never
// grow the arrays. Organic rows keep their valid existing links, which are
// mirrored onto the other endpoint.
type Builder struct {
	store  storage.Store
	dryRun bool
	logger zerolog.Logger
}

// NewBuilder creates a builder. In dry-run mode Apply writes nothing.
func NewBuilder(store storage.Store, dryRun bool, logger zerolog.Logger) *Builder {
	return &Builder{
		store:  store,
		dryRun: dryRun,
		logger: logger.With().Str("component", "graph").Logger(),
	}
}

// Build computes the association edges for every row in idx. It never
// touches the store.
func (b *Builder) Build(idx *resolver.EntityIndex) *Result {
	g := NewIndexedGraph()
	res := &Result{Graph: g}

	for _, t := range linkTypes {
		for _, e := range idx.Entities(t) {
			g.AddNode(Node{Type: t, ID: e.ID})
		}
	}

	b.seedOrganic(g, idx)
	b.addSourceLinks(g, idx, res)
	b.addStoryStorytellers(g, idx)
	b.addProjectStorytellers(g, idx)
	b.addThemeMatches(g, idx)
	b.addThemeStorytellers(g, idx)

	for _, t := range linkTypes {
		for _, e := range idx.Entities(t) {
			n := Node{Type: t, ID: e.ID}
			links := g.Links(n)
			if e.IsMigrated() && g.Degree(n) == 0 {
				res.ZeroLinks = append(res.ZeroLinks, e)
			}
			if sameLinks(e.Links, links) {
				continue
			}
			res.Updates = append(res.Updates, storage.AssociationUpdate{Type: t, ID: e.ID, Links: links})
		}
	}
	res.Edges = g.EdgeCount()
	return res
}

// Apply writes the computed association columns in one transaction and
// refreshes the index. In dry-run mode only the index is refreshed.
func (b *Builder) Apply(ctx context.Context, idx *resolver.EntityIndex, res *Result) error {
	if len(res.Updates) > 0 && !b.dryRun {
		if err := b.store.ApplyAssociations(ctx, res.Updates); err != nil {
			return fmt.Errorf("failed to apply associations: %w", err)
		}
	}
	for _, u := range res.Updates {
		if e, ok := idx.ByID(u.Type, u.ID); ok {
			e.Links = u.Links
		}
	}
	b.logger.Info().
		Int("edges", res.Edges).
		Int("rows", len(res.Updates)).
		Int("zero_links", len(res.ZeroLinks)).
		Bool("dry_run", b.dryRun).
		Msg("Associations applied")
	return nil
}

func (b *Builder) seedOrganic(g *IndexedGraph, idx *resolver.EntityIndex) {
	for _, t := range linkTypes {
		schema, _ := models.SchemaFor(t)
		for _, e := range idx.Entities(t) {
			if e.IsMigrated() {
				continue
			}
			for _, a := range schema.Associations {
				for _, id := range e.Links[a.Column] {
					if _, ok := idx.ByID(a.Target, id); ok {
						b.link(g, Node{t, e.ID}, Node{a.Target, id})
					}
				}
			}
		}
	}
}

func (b *Builder) addSourceLinks(g *IndexedGraph, idx *resolver.EntityIndex, res *Result) {
	for _, t := range linkTypes {
		spec := mapping.SpecFor(t)
		for _, e := range idx.Entities(t) {
			for col, refs := range e.SourceLinks {
				target, ok := spec.LinkTarget(col)
				if !ok {
					continue
				}
				for _, ext := range refs {
					other, ok := idx.ByExternalID(target, ext)
					if !ok {
						res.Unresolved = append(res.Unresolved, models.UnresolvedRef{
							EntityType: t,
							ExternalID: e.ExternalID,
							Column:     col,
							Reference:  ext,
							Reason:     fmt.Sprintf("linked %s %q not found", target, ext),
						})
						continue
					}
					b.link(g, Node{t, e.ID}, Node{target, other.ID})
				}
			}
		}
	}
}

// addStoryStorytellers makes a story's own storyteller its sole linked
// storyteller when nothing else links one
func (b *Builder) addStoryStorytellers(g *IndexedGraph, idx *resolver.EntityIndex) {
	for _, s := range idx.Entities(models.Story) {
		n := Node{models.Story, s.ID}
		if len(g.Neighbors(n, models.Storyteller)) > 0 {
			continue
		}
		if id, ok := s.FK("storyteller_id"); ok {
			if _, exists := idx.ByID(models.Storyteller, id); exists {
				b.link(g, n, Node{models.Storyteller, id})
			}
		}
	}
}

func (b *Builder) addProjectStorytellers(g *IndexedGraph, idx *resolver.EntityIndex) {
	for _, st := range idx.Entities(models.Storyteller) {
		if id, ok := st.FK("project_id"); ok {
			if _, exists := idx.ByID(models.Project, id); exists {
				b.link(g, Node{models.Project, id}, Node{models.Storyteller, st.ID})
			}
		}
	}
}

// addThemeMatches links stories, quotes and media to every theme whose name
// or keywords appear in their text
func (b *Builder) addThemeMatches(g *IndexedGraph, idx *resolver.EntityIndex) {
	themes := idx.Entities(models.Theme)
	if len(themes) == 0 {
		return
	}
	terms := make([][]string, len(themes))
	for i, th := range themes {
		terms[i] = mapping.Keywords(th)
	}

	for _, t := range textTypes {
		spec := mapping.SpecFor(t)
		for _, e := range idx.Entities(t) {
			text := spec.Text(e)
			if text == "" {
				continue
			}
			for i, th := range themes {
				for _, term := range terms[i] {
					if mapping.ContainsTerm(text, term) {
						b.link(g, Node{t, e.ID}, Node{models.Theme, th.ID})
						break
					}
				}
			}
		}
	}
}

// addThemeStorytellers links a theme to the storytellers of its stories and quotes
func (b *Builder) addThemeStorytellers(g *IndexedGraph, idx *resolver.EntityIndex) {
	for _, th := range idx.Entities(models.Theme) {
		tn := Node{models.Theme, th.ID}
		for _, sid := range g.Neighbors(tn, models.Story) {
			for _, stid := range g.Neighbors(Node{models.Story, sid}, models.Storyteller) {
				b.link(g, tn, Node{models.Storyteller, stid})
			}
		}
		for _, qid := range g.Neighbors(tn, models.Quote) {
			q, ok := idx.ByID(models.Quote, qid)
			if !ok {
				continue
			}
			if stid, ok := q.FK("storyteller_id"); ok {
				if _, exists := idx.ByID(models.Storyteller, stid); exists {
					b.link(g, tn, Node{models.Storyteller, stid})
				}
			}
		}
	}
}

func (b *Builder) link(g *IndexedGraph, a, c Node) {
	if err := g.AddEdge(a, c); err != nil {
		b.logger.Debug().Err(err).Msg("Edge skipped")
	}
}

func sameLinks(current, next map[string][]int64) bool {
	for col, ids := range next {
		cur := models.SortedIDs(current[col])
		if len(cur) != len(ids) || len(current[col]) != len(ids) {
			return false
		}
		for i := range ids {
			if cur[i] != ids[i] {
				return false
			}
		}
	}
	return true
}

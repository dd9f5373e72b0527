package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ha1tch/storysync/pkg/graph"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/ha1tch/storysync/pkg/verify"
)

const maxPerPage = 100

// handleList lists entities of a type, one page at a time
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	et, err := models.ParseEntityType(chi.URLParam(r, "entity"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > maxPerPage {
		perPage = s.config.DefaultPageSize
		if perPage < 1 {
			perPage = 10
		}
	}

	key := fmt.Sprintf("%s%s:list:%d:%d", s.cachePrefix(r.Context()), et, page, perPage)
	s.cached(w, r, key, func() (interface{}, int, error) {
		items, total, err := s.listPage(r, et, (page-1)*perPage, perPage)
		if err != nil {
			s.logger.Error().Err(err).Str("entity_type", string(et)).Msg("Failed to list entities")
			return nil, http.StatusInternalServerError, errors.New("Failed to list entities")
		}
		if items == nil {
			items = []*models.TargetEntity{}
		}

		resp := models.PagedResponse{Data: items}
		resp.Pagination.Page = page
		resp.Pagination.PerPage = perPage
		resp.Pagination.TotalItems = total
		resp.Pagination.TotalPages = (total + perPage - 1) / perPage
		if page < resp.Pagination.TotalPages {
			resp.Links = map[string]string{
				"next": fmt.Sprintf("/api/v1/entities/%s?page=%d&per_page=%d", et, page+1, perPage),
			}
		}
		return resp, http.StatusOK, nil
	})
}

// listPage uses the store's pager when it has one
func (s *Server) listPage(r *http.Request, et models.EntityType, offset, limit int) ([]*models.TargetEntity, int, error) {
	if p, ok := s.store.(storage.Pager); ok {
		return p.ListPage(r.Context(), et, offset, limit)
	}
	all, err := s.store.List(r.Context(), et)
	if err != nil {
		return nil, 0, err
	}
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

// handleGet returns one entity row
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	et, err := models.ParseEntityType(chi.URLParam(r, "entity"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	key := fmt.Sprintf("%s%s:%d", s.cachePrefix(r.Context()), et, id)
	s.cached(w, r, key, func() (interface{}, int, error) {
		e, err := s.store.Get(r.Context(), et, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, http.StatusNotFound, fmt.Errorf("%s with id %d not found", et, id)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("entity_type", string(et)).Int64("id", id).Msg("Failed to get entity")
			return nil, http.StatusInternalServerError, errors.New("Failed to get entity")
		}
		return e, http.StatusOK, nil
	})
}

// handleListRuns returns recent migration runs, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.store.(storage.RunRecorder)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "Store does not record runs")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > maxPerPage {
		limit = 20
	}

	runs, err := rec.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*models.MigrationRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleGetRun returns one run with its errors and unresolved references
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.store.(storage.RunRecorder)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "Store does not record runs")
		return
	}
	runID := chi.URLParam(r, "run_id")
	run, err := rec.GetRun(r.Context(), runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found", runID))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		s.writeError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleVerify produces a fresh verification report. With ?run_id= the
// report includes that run's coverage.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var run *models.MigrationRun
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		rec, ok := s.store.(storage.RunRecorder)
		if !ok {
			s.writeError(w, http.StatusNotImplemented, "Store does not record runs")
			return
		}
		var err error
		run, err = rec.GetRun(r.Context(), runID)
		if errors.Is(err, storage.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found", runID))
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to get run")
			return
		}
	}

	report, err := verify.New(s.store, s.logger).Verify(r.Context(), run)
	if err != nil {
		s.logger.Error().Err(err).Msg("Verification failed")
		s.writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleGraphPath finds a shortest association path between two rows.
// Nodes are written as type:id, e.g. ?from=story:3&to=theme:7
func (s *Server) handleGraphPath(w http.ResponseWriter, r *http.Request) {
	from, err := parseNode(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseNode(r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxDepth, _ := strconv.Atoi(r.URL.Query().Get("max_depth"))
	if maxDepth <= 0 {
		maxDepth = 6
	}

	g, ok := s.loadGraph(w, r)
	if !ok {
		return
	}
	path, err := g.FindPath(from, to, maxDepth)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	nodes := make([]string, len(path))
	for i, n := range path {
		nodes[i] = n.String()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":   from.String(),
		"to":     to.String(),
		"path":   nodes,
		"length": len(path) - 1,
	})
}

// handleGraphStats returns node and edge counts of the association graph
func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	g, ok := s.loadGraph(w, r)
	if !ok {
		return
	}
	byType := make(map[models.EntityType]int)
	for _, t := range models.DependencyOrder() {
		if n := len(g.Nodes(t)); n > 0 {
			byType[t] = n
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_count": g.NodeCount(),
		"edge_count": g.EdgeCount(),
		"nodes":      byType,
	})
}

// loadGraph rebuilds the association graph from the store. It never writes.
func (s *Server) loadGraph(w http.ResponseWriter, r *http.Request) (*graph.IndexedGraph, bool) {
	idx, err := resolver.LoadIndex(r.Context(), s.store, models.DependencyOrder())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load entities")
		s.writeError(w, http.StatusInternalServerError, "Failed to load entities")
		return nil, false
	}
	return graph.NewBuilder(s.store, true, s.logger).Build(idx).Graph, true
}

func parseNode(s string) (graph.Node, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return graph.Node{}, fmt.Errorf("invalid node %q: want type:id", s)
	}
	et, err := models.ParseEntityType(typ)
	if err != nil {
		return graph.Node{}, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return graph.Node{}, fmt.Errorf("invalid node id %q", id)
	}
	return graph.Node{Type: et, ID: n}, nil
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/dimension"
	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/landing"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	"github.com/malbeclabs/transmute/engine/pkg/validation"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.log.Debug("server: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var identErr *ident.Error
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &identErr), errors.Is(err, landing.ErrInvalidBatch), errors.Is(err, errBadRequest),
		errors.Is(err, dimension.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrEntityNotFound), errors.Is(err, dimension.ErrNotMerged):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrDuplicateColumn), errors.Is(err, catalog.ErrKindConflict):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrConfiguration), errors.Is(err, catalog.ErrInvalidKind),
		errors.Is(err, catalog.ErrInvalidRule), errors.Is(err, validation.ErrLandingNotLoaded),
		errors.Is(err, validation.ErrNotProcessed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return badRequest("invalid json body: %v", err)
	}
	return nil
}

func (s *Server) conn(w http.ResponseWriter, r *http.Request) (sqlstore.Connection, bool) {
	conn, err := s.pipeline.Conn(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return conn, true
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, conn sqlstore.Connection) (*catalog.EntitySnapshot, bool) {
	name := chi.URLParam(r, "name")
	if err := ident.Validate("entity name", name); err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	snap, err := s.pipeline.Catalog().SnapshotByName(r.Context(), conn, name)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return snap, true
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	entities, err := s.pipeline.Catalog().ListEntities(r.Context(), conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entities == nil {
		entities = []catalog.Entity{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	snap, ok := s.snapshot(w, r, conn)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) putEntity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var spec catalog.EntitySpec
	if err := decodeJSON(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	if spec.Name != "" && !strings.EqualFold(spec.Name, name) {
		s.writeError(w, r, badRequest("body name %q does not match path %q", spec.Name, name))
		return
	}
	spec.Name = name

	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	id, err := s.pipeline.Catalog().RegisterOrUpdateEntity(r.Context(), conn, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.pipeline.Catalog().Snapshot(r.Context(), conn, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) addColumn(w http.ResponseWriter, r *http.Request) {
	var spec catalog.ColumnSpec
	if err := decodeJSON(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	snap, ok := s.snapshot(w, r, conn)
	if !ok {
		return
	}
	id, err := s.pipeline.Catalog().AddColumn(r.Context(), conn, snap.Entity.ID, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"column_id": id})
}

type batchRequest struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// createRun accepts a batch as CSV with a header row or as JSON and runs
// the whole pipeline for the entity.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := ident.Validate("entity name", name); err != nil {
		s.writeError(w, r, err)
		return
	}

	var batch *landing.Batch
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/csv":
		b, err := landing.ReadCSV(r.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		batch = b
	case "application/json", "":
		var req batchRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		batch = &landing.Batch{Columns: req.Columns, Rows: req.Rows}
	default:
		s.writeError(w, r, badRequest("unsupported content type %q", mediaType))
		return
	}

	result, err := s.pipeline.Run(r.Context(), name, batch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type rowsResponse struct {
	Entity string           `json:"entity"`
	AsOf   *time.Time       `json:"as_of,omitempty"`
	Rows   []map[string]any `json:"rows"`
}

func (s *Server) writeRows(w http.ResponseWriter, entity string, asOf *time.Time, rows []map[string]any) {
	if rows == nil {
		rows = []map[string]any{}
	}
	s.writeJSON(w, http.StatusOK, rowsResponse{Entity: entity, AsOf: asOf, Rows: rows})
}

func (s *Server) currentRows(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	snap, ok := s.snapshot(w, r, conn)
	if !ok {
		return
	}
	rows, err := s.pipeline.Engine().GetCurrentRows(r.Context(), conn, snap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRows(w, snap.Entity.Name, nil, rows)
}

func (s *Server) asOfRows(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ts")
	if raw == "" {
		s.writeError(w, r, badRequest("ts query parameter is required"))
		return
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.writeError(w, r, badRequest("ts must be RFC3339: %v", err))
		return
	}
	at = at.UTC()

	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	snap, ok := s.snapshot(w, r, conn)
	if !ok {
		return
	}
	rows, err := s.pipeline.Engine().GetAsOfRows(r.Context(), conn, snap, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRows(w, snap.Entity.Name, &at, rows)
}

// history returns every version of the business key given as query
// parameters, one per key column.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	snap, ok := s.snapshot(w, r, conn)
	if !ok {
		return
	}
	query := r.URL.Query()
	key := make(map[string]any)
	for _, c := range snap.BusinessKeys() {
		if !query.Has(c.Name) {
			s.writeError(w, r, badRequest("missing business key parameter %s", c.Name))
			return
		}
		key[c.Name] = query.Get(c.Name)
	}
	rows, err := s.pipeline.Engine().GetHistory(r.Context(), conn, snap, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRows(w, snap.Entity.Name, nil, rows)
}

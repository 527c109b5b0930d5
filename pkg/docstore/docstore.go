// Package docstore is an in-memory stand-in for the hosted document store,
// serving the subset of its REST surface the signaling client uses.
package docstore

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/logging"
	"github.com/peterouob/p2plobby/pkg/signal"
)

const maxBody = 1 << 20

type Server struct {
	log *zap.Logger

	mu   sync.Mutex
	docs map[string]*signal.Document
}

func New(log *zap.Logger) *Server {
	return &Server{
		log:  logging.OrNop(log).Named("docstore"),
		docs: make(map[string]*signal.Document),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/rooms/{room}", s.getRoom)
	r.Patch("/rooms/{room}", s.patchRoom)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// Rooms returns the ids of every stored room.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	s.mu.Lock()
	doc, ok := s.docs[room]
	var out signal.Document
	if ok {
		out = *doc
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Document \"rooms/%s\" not found.", room))
		return
	}
	writeJSON(w, http.StatusOK, &out)
}

func (s *Server) patchRoom(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	q := r.URL.Query()

	var body signal.Document
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid JSON payload: "+err.Error())
		return
	}

	var masks [][]string
	for _, p := range q["updateMask.fieldPaths"] {
		segs, err := parseFieldPath(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("Invalid field path %q", p))
			return
		}
		masks = append(masks, segs)
	}

	var mustExist *bool
	if raw := q.Get("currentDocument.exists"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid currentDocument.exists")
			return
		}
		mustExist = &v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.docs[room]
	if mustExist != nil && *mustExist != exists {
		if exists {
			writeError(w, http.StatusConflict, "ALREADY_EXISTS", "Document already exists: rooms/"+room)
		} else {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "No document to update: rooms/"+room)
		}
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if !exists {
		doc = &signal.Document{Name: "rooms/" + room, CreateTime: now}
	}

	fields := make(map[string]signal.Value, len(doc.Fields))
	for k, v := range doc.Fields {
		fields[k] = v
	}
	if len(masks) == 0 {
		fields = body.Fields
		if fields == nil {
			fields = make(map[string]signal.Value)
		}
	} else {
		for _, segs := range masks {
			applyMask(fields, body.Fields, segs)
		}
	}

	doc = &signal.Document{
		Name:       doc.Name,
		Fields:     fields,
		CreateTime: doc.CreateTime,
		UpdateTime: now,
	}
	s.docs[room] = doc
	writeJSON(w, http.StatusOK, doc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, status, msg string) {
	writeJSON(w, code, signal.ErrorBody{Error: &signal.APIError{
		Code:    code,
		Message: msg,
		Status:  status,
	}})
}

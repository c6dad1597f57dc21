package freepbx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
)

const setupSchemaURL = "setup-freepbx.json"

const setupSchema = `{
	"type": "object",
	"required": ["did"],
	"properties": {
		"did": {"type": "string", "minLength": 1, "pattern": "^\\+?[0-9]+$"}
	}
}`

// Applier provisions a DID.
type Applier interface {
	Apply(ctx context.Context, did string) (*Result, error)
}

// Server is the admin HTTP API.
type Server struct {
	applier Applier
	schema  *jsonschema.Schema
	log     *logrus.Entry
	now     func() time.Time
}

// NewServer compiles the request schema and returns a Server.
func NewServer(a Applier, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(setupSchemaURL, strings.NewReader(setupSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(setupSchemaURL)
	if err != nil {
		return nil, err
	}
	return &Server{applier: a, schema: schema, log: log, now: time.Now}, nil
}

// Router returns the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/setup-freepbx", s.handleSetup).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Message: "unreadable request body"})
		return
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Message: "request body must be JSON", Error: err.Error()})
		return
	}
	if err := s.schema.Validate(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{
			Message: `DID number is required in request body (e.g., { "did": "+16592448782" })`,
			Error:   err.Error(),
		})
		return
	}
	did := payload.(map[string]any)["did"].(string)

	res, err := s.applier.Apply(r.Context(), did)
	if err != nil {
		s.log.Errorf("applying FreePBX config for %s: %v", did, err)
		writeJSON(w, http.StatusInternalServerError, failure{
			Message: "Failed to apply full FreePBX configuration",
			Error:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Package api serves the engine's status, configuration, model catalog,
// prototype jobs and event history as JSON, plus Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rinkhals-tools/faultwatch/internal/config"
	"github.com/rinkhals-tools/faultwatch/internal/detect"
	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/history"
	"github.com/rinkhals-tools/faultwatch/internal/httputil"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/prototype"
	"github.com/rinkhals-tools/faultwatch/internal/security"
)

const maxBody = 1 << 20

// Detector is the scheduler surface the server drives.
type Detector interface {
	State() detect.DetectionState
	Config() config.DetectionConfig
	SetConfig(config.DetectionConfig)
	RequestPrototypes(prototype.Request) error
	PrototypeProgress() prototype.Progress
	CancelPrototypes()
}

// EventLog lists recorded events.
type EventLog interface {
	Recent(ctx context.Context, kind history.Kind, limit int) ([]history.Event, error)
}

// Server holds the handlers' dependencies. History and Catalog may be nil.
type Server struct {
	Detector Detector
	History  EventLog
	Catalog  *modelset.Catalog
	// DataRoots bound the dataset and output paths of prototype requests.
	DataRoots []string
	// ConfigPath, when set, receives every accepted configuration change.
	ConfigPath string
	FS         fsutil.FileSystem
}

// ServeMux mounts every route.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/models", s.listModels)
	mux.HandleFunc("/api/prototypes", s.handlePrototypes)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.Handle("/metrics", promhttp.HandlerFor(monitoring.Registry, promhttp.HandlerOpts{}))
	return mux
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (c *statusCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		c := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(c, r)
		monitoring.Debugf("[API] %d %s %s %.1fms", c.status, r.Method, r.URL.RequestURI(),
			float64(time.Since(start).Microseconds())/1000)
	})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.Detector.State())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, config.FileConfigFrom(s.Detector.Config()))
	case http.MethodPut, http.MethodPost:
		var fc config.FileConfig
		if err := httputil.DecodeJSON(r, maxBody, &fc); err != nil {
			httputil.BadRequest(w, "invalid config: "+err.Error())
			return
		}
		cfg := s.Detector.Config()
		if err := fc.Apply(&cfg); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		s.Detector.SetConfig(cfg)
		out := config.FileConfigFrom(cfg)
		if s.ConfigPath != "" && s.FS != nil {
			if err := config.SaveFileConfig(s.FS, s.ConfigPath, out); err != nil {
				monitoring.Logf("[API] failed to persist config: %v", err)
				httputil.InternalServerError(w, "config applied but not saved")
				return
			}
		}
		httputil.WriteJSONOK(w, out)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// ModelSetInfo describes one usable model set.
type ModelSetInfo struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Models   []string `json:"models"`
	Profiles []string `json:"profiles"`
}

// Describe summarises a model set.
func Describe(ms *modelset.ModelSet) ModelSetInfo {
	info := ModelSetInfo{Name: ms.Name, Label: ms.Label(), Models: []string{}, Profiles: ms.ProfileNames()}
	for _, k := range modelset.Kinds {
		if ms.Has(k) {
			info.Models = append(info.Models, k.String())
		}
	}
	return info
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.Catalog == nil {
		httputil.NotFound(w, "no model catalog configured")
		return
	}
	sets, err := s.Catalog.Scan()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]ModelSetInfo, 0, len(sets))
	for _, ms := range sets {
		out = append(out, Describe(ms))
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handlePrototypes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.Detector.PrototypeProgress())
	case http.MethodPost:
		var req prototype.Request
		if err := httputil.DecodeJSON(r, maxBody, &req); err != nil {
			httputil.BadRequest(w, "invalid request: "+err.Error())
			return
		}
		if req.Output == "" && req.Dataset != "" {
			req.Output = prototype.DefaultOutput(req.Dataset, req.ModelSet)
		}
		if err := req.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		for _, p := range []string{req.Dataset, req.Output} {
			if err := security.ValidatePathWithinAny(p, s.DataRoots); err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
		}
		if err := s.Detector.RequestPrototypes(req); err != nil {
			if errors.Is(err, prototype.ErrBusy) {
				httputil.Conflict(w, err.Error())
				return
			}
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, s.Detector.PrototypeProgress())
	case http.MethodDelete:
		s.Detector.CancelPrototypes()
		httputil.WriteJSONOK(w, s.Detector.PrototypeProgress())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.History == nil {
		httputil.NotFound(w, "history is disabled")
		return
	}
	kind := history.Kind(r.URL.Query().Get("kind"))
	switch kind {
	case "", history.KindResult, history.KindStatus:
	default:
		httputil.BadRequest(w, "kind must be result or status")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := s.History.Recent(r.Context(), kind, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

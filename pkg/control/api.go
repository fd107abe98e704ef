package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dronescan/tagscan/pkg/ledger"
	"github.com/dronescan/tagscan/pkg/tag"
	"github.com/dronescan/tagscan/pkg/writer"
)

const (
	defaultTransferLimit = 50
	maxIngestBody        = 8 << 20
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    string        `json:"uptime"`
	Writer    writer.Status `json:"writer"`
}

// ReadRequest is one read in a POST /api/v1/reads batch. Time is RFC 3339;
// an empty time means now.
type ReadRequest struct {
	EPC     string `json:"epc"`
	Time    string `json:"time,omitempty"`
	RSSI    int    `json:"rssi"`
	Phase   int    `json:"phase"`
	Antenna int    `json:"antenna"`
}

// IngestResponse is the body returned by POST /api/v1/reads.
type IngestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/transfers", s.handleTransferList)
	mux.HandleFunc("GET /api/v1/transfers/{name}", s.handleTransferGet)
	mux.HandleFunc("POST /api/v1/reads", s.handleReads)
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{
		RunID:     s.cfg.RunID,
		StartedAt: s.startedAt,
		Uptime:    timeNow().Sub(s.startedAt).Round(time.Second).String(),
		Writer:    s.status.Status(),
	})
}

// GET /api/v1/transfers?limit=50
func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	if s.transfers == nil {
		http.Error(w, "transfer ledger disabled", http.StatusServiceUnavailable)
		return
	}
	limit := parseIntParam(r, "limit", defaultTransferLimit)
	entries, err := s.transfers.List(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, entries)
}

// GET /api/v1/transfers/{name}
func (s *Server) handleTransferGet(w http.ResponseWriter, r *http.Request) {
	if s.transfers == nil {
		http.Error(w, "transfer ledger disabled", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	e, err := s.transfers.Get(name)
	if errors.Is(err, ledger.ErrNotFound) {
		http.Error(w, fmt.Sprintf("transfer %q not found", name), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, e)
}

// POST /api/v1/reads: a JSON array of reads.
func (s *Server) handleReads(w http.ResponseWriter, r *http.Request) {
	var reqs []ReadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&reqs); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.IngestReads(reqs))
}

// IngestReads validates each request and hands valid reads to the listener.
// Invalid reads are reported through OnReadError.
func (s *Server) IngestReads(reqs []ReadRequest) IngestResponse {
	var resp IngestResponse
	for _, req := range reqs {
		rd, err := req.toRead()
		if err != nil {
			resp.Rejected++
			s.listener.OnReadError("http", err)
			continue
		}
		s.listener.OnRead(rd)
		resp.Accepted++
	}
	if resp.Rejected > 0 {
		slog.Warn("rejected reads in HTTP batch", "accepted", resp.Accepted, "rejected", resp.Rejected)
	}
	return resp
}

func (req ReadRequest) toRead() (tag.Read, error) {
	ts := timeNow()
	if req.Time != "" {
		t, err := parseTimestamp(req.Time)
		if err != nil {
			return tag.Read{}, err
		}
		ts = t
	}
	rd := tag.New(req.EPC, ts, req.RSSI, req.Phase, req.Antenna)
	if err := rd.Validate(); err != nil {
		return tag.Read{}, err
	}
	return rd, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

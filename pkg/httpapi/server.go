// Package httpapi serves a node's operational and read-only HTTP endpoints:
// health, Prometheus metrics, replication status, identity lookups and
// repository reads with inclusion proofs.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taracol/pkg/coordinator"
	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

const contentTypeJSON = "application/json"

// Status is the document served at /status.
type Status struct {
	NodeID      string                       `json:"node_id"`
	Role        types.Role                   `json:"role"`
	Cursor      types.Cursor                 `json:"cursor"`
	Oldest      types.Cursor                 `json:"oldest"`
	Subscribers int                          `json:"subscribers"`
	Published   uint64                       `json:"published"`
	Overwhelmed uint64                       `json:"overwhelmed"`
	Accounts    map[types.DID]types.Revision `json:"accounts"`
	Peers       []coordinator.PeerStatus     `json:"peers"`
	// DiskUsage is the size of the node's data directory in bytes.
	DiskUsage int64 `json:"disk_usage"`
}

type Options struct {
	NodeID      string
	Store       *repo.Store
	Resolver    *identity.Resolver
	Firehose    *firehose.Firehose
	Coordinator coordinator.Coordinator
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	// DiskUsage reports the data directory size; optional.
	DiskUsage func() int64
}

type Server struct {
	opts   Options
	logger *zap.Logger
}

func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{opts: opts, logger: logger}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", s.handleStatus)

	r.Get("/identity/{did}", s.handleIdentity)
	r.Route("/repo/{did}", func(r chi.Router) {
		r.Get("/head", s.handleHead)
		r.Get("/records", s.handleRecords)
		r.Get("/records/{cid}", s.handleRecord)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Snapshot assembles the current status document.
func (s *Server) Snapshot() Status {
	st := Status{
		NodeID:   s.opts.NodeID,
		Accounts: s.opts.Store.Heads(),
	}
	if s.opts.Coordinator != nil {
		st.Role = s.opts.Coordinator.Role()
		st.Peers = s.opts.Coordinator.Status()
	}
	if fh := s.opts.Firehose; fh != nil {
		stats := fh.Stats()
		st.Cursor = fh.Head()
		st.Oldest = fh.Oldest()
		st.Subscribers = fh.Subscribers()
		st.Published = stats.Published
		st.Overwhelmed = stats.Overwhelmed
	}
	if s.opts.DiskUsage != nil {
		st.DiskUsage = s.opts.DiskUsage()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) didParam(w http.ResponseWriter, r *http.Request) (types.DID, bool) {
	did, err := types.ParseDID(chi.URLParam(r, "did"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return did, true
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	did, ok := s.didParam(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Resolver.Resolve(r.Context(), did)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type headResponse struct {
	CID    cid.Cid      `json:"cid"`
	Commit *repo.Commit `json:"commit"`
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	did, ok := s.didParam(w, r)
	if !ok {
		return
	}
	head, err := s.opts.Store.Head(did)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, headResponse{CID: head.Hash(), Commit: head})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	did, ok := s.didParam(w, r)
	if !ok {
		return
	}
	ids, err := s.opts.Store.Records(did)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []cid.Cid{}
	}
	writeJSON(w, http.StatusOK, ids)
}

type recordResponse struct {
	CID    cid.Cid            `json:"cid"`
	Record *repo.SignedRecord `json:"record"`
	// Root and Proof tie the record to the current head.
	Root  cid.Cid     `json:"root"`
	Proof *repo.Proof `json:"proof"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	did, ok := s.didParam(w, r)
	if !ok {
		return
	}
	id, err := cid.Decode(chi.URLParam(r, "cid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.opts.Store.GetRecord(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec.Account != did {
		writeError(w, http.StatusNotFound, errors.New("record belongs to another account"))
		return
	}
	proof, root, err := s.opts.Store.Prove(did, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !proof.Member {
		writeError(w, http.StatusNotFound, errors.New("record is not in the current repository"))
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{CID: id, Record: rec, Root: root, Proof: proof})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, code, err)
}

func httpStatus(err error) int {
	switch taraerr.CodeOf(err) {
	case taraerr.CodeNotFound, taraerr.CodeKeyNotFound:
		return http.StatusNotFound
	case taraerr.CodeInvalidArgument:
		return http.StatusBadRequest
	case taraerr.CodeTransportDisconnected:
		return http.StatusBadGateway
	}
	if errors.Is(err, repo.ErrBlockNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

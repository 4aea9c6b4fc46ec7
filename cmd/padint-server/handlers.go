package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/padint/internal/cluster"
	"github.com/dreamware/padint/internal/metrics"
	"github.com/dreamware/padint/internal/partition"
	"github.com/dreamware/padint/internal/server"
)

// handler exposes a padint server over HTTP/JSON.
type handler struct {
	srv     *server.Server
	metrics *metrics.Server
	log     *zap.Logger
}

func newHandler(srv *server.Server, m *metrics.Server, lg *zap.Logger) *handler {
	return &handler{srv: srv, metrics: m, log: lg}
}

func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()

	// client API
	mux.HandleFunc(cluster.PathCreate, post(h.handleCreate))
	mux.HandleFunc(cluster.PathConfirm, post(h.handleConfirm))
	mux.HandleFunc(cluster.PathRead, post(h.handleRead))
	mux.HandleFunc(cluster.PathWrite, post(h.handleWrite))
	mux.HandleFunc(cluster.PathCommit, post(h.handleCommit))
	mux.HandleFunc(cluster.PathAbort, post(h.handleAbort))

	// control plane
	mux.HandleFunc(cluster.PathPrimary, post(h.handlePrimary))
	mux.HandleFunc(cluster.PathAlive, post(h.handleAlive))
	mux.HandleFunc(cluster.PathReplicate, post(h.handleReplicate))
	mux.HandleFunc(cluster.PathStepDown, post(h.handleStepDown))
	mux.HandleFunc(cluster.PathAttach, post(h.handleAttach))
	mux.HandleFunc(cluster.PathFreeze, post(h.handleFreeze))
	mux.HandleFunc(cluster.PathRecover, post(h.handleRecover))

	mux.HandleFunc(cluster.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(cluster.PathInfo, h.handleInfo)
	mux.Handle(cluster.PathMetrics, h.metrics.Handler())
	return mux
}

// post rejects every method but POST.
func post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

// reply writes err, or status with an empty body when err is nil.
func reply(w http.ResponseWriter, status int, err error) {
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(status)
}

func (h *handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req cluster.UIDRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply(w, http.StatusCreated, h.srv.CreatePadInt(r.Context(), req.UID))
}

func (h *handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req cluster.UIDRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	exists, err := h.srv.ConfirmPadInt(r.Context(), req.UID)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ConfirmResponse{Exists: exists})
}

// handleRead blocks until the read lock is granted or the client goes away.
func (h *handler) handleRead(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReadRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	value, err := h.srv.ReadPadInt(r.Context(), req.TID, req.UID)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ReadResponse{Value: value})
}

func (h *handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req cluster.WriteRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply(w, http.StatusNoContent, h.srv.WritePadInt(r.Context(), req.TID, req.UID, req.Value))
}

func (h *handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req cluster.TxnRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply(w, http.StatusNoContent, h.srv.Commit(r.Context(), req.TID, req.UIDs))
}

func (h *handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req cluster.TxnRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply(w, http.StatusNoContent, h.srv.Abort(r.Context(), req.TID, req.UIDs))
}

func (h *handler) handlePrimary(w http.ResponseWriter, r *http.Request) {
	var req cluster.PrimaryRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	h.log.Info("backup attached", zap.String("backup", req.BackupAddr), zap.Bool("snapshot", req.Snapshot != nil))
	reply(w, http.StatusNoContent, h.srv.CreatePrimaryServer(r.Context(), req.BackupAddr, req.Snapshot))
}

func (h *handler) handleAlive(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusNoContent, h.srv.ImAlive(r.Context()))
}

func (h *handler) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var snap partition.Snapshot
	if err := cluster.DecodeJSON(r, &snap); err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply(w, http.StatusNoContent, h.srv.Replicate(r.Context(), snap))
}

func (h *handler) handleStepDown(w http.ResponseWriter, r *http.Request) {
	var req cluster.StepDownRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	h.log.Warn("stepping down", zap.String("primary", req.PrimaryAddr))
	reply(w, http.StatusNoContent, h.srv.StepDown(r.Context(), req.PrimaryAddr, req.Snapshot))
}

func (h *handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req cluster.AttachRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply(w, http.StatusNoContent, h.srv.AttachCells(r.Context(), req))
}

func (h *handler) handleFreeze(w http.ResponseWriter, r *http.Request) {
	h.srv.Freeze()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	h.srv.Recover()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, h.srv.Info())
}

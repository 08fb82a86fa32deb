package httpapi

import (
	"io"
	"net/http"

	"github.com/swaggo/swag"

	"pkt.systems/doclock/api"
	"pkt.systems/doclock/internal/core"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/swagger/docs"
)

// handleInspect godoc
// @Summary      Inspect a document lock
// @Description  Reports whether the document is locked. A stale record found by this call is deleted and reported with wasExpired=true.
// @Tags         lock
// @Produce      json
// @Param        documentId  query     string  true  "Document identifier"
// @Success      200         {object}  api.InspectResponse
// @Failure      400         {object}  api.ErrorResponse
// @Router       /lock [get]
func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	res, err := h.core.Inspect(r.Context(), core.InspectCommand{
		DocumentID: r.URL.Query().Get("documentId"),
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, inspectView(res), nil)
	return nil
}

// handleAcquire godoc
// @Summary      Acquire a document lock
// @Description  Grants the lease to the caller's session when the document is unlocked or its previous lease expired. A live lease is refused with a locked conflict carrying the holder; sameSession=true means the caller already holds it and should renew instead.
// @Tags         lock
// @Accept       json
// @Produce      json
// @Param        request  body      api.AcquireRequest  true  "Lock acquisition parameters"
// @Success      200      {object}  api.AcquireResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      409      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /acquire [post]
func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.AcquireRequest
	if err := h.readJSON(w, r, &req); err != nil {
		return err
	}
	res, err := h.core.Acquire(r.Context(), core.AcquireCommand{
		DocumentID: req.DocumentID,
		UserName:   req.UserName,
		SessionID:  req.SessionID,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.AcquireResponse{OK: true, Lock: lockView(res.Lock)}, nil)
	return nil
}

// handleRenew godoc
// @Summary      Renew a held lease
// @Description  Refreshes lastHeartbeat on a lease held by the caller's session. Expired leases are reaped and reported as no_lock.
// @Tags         lock
// @Accept       json
// @Produce      json
// @Param        request  body      api.RenewRequest  true  "Heartbeat parameters"
// @Success      200      {object}  api.RenewResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      403      {object}  api.ErrorResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /renew [post]
func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.RenewRequest
	if err := h.readJSON(w, r, &req); err != nil {
		return err
	}
	res, err := h.core.Renew(r.Context(), core.RenewCommand{
		DocumentID: req.DocumentID,
		SessionID:  req.SessionID,
		Action:     req.Action,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.RenewResponse{OK: true, Lock: lockView(res.Lock)}, nil)
	return nil
}

// handleRelease godoc
// @Summary      Release a held lease
// @Description  Deletes the lock when the caller's session holds it. Releasing an unlocked document succeeds with released=false.
// @Tags         lock
// @Accept       json
// @Produce      json
// @Param        request  body      api.ReleaseRequest  true  "Release parameters"
// @Success      200      {object}  api.ReleaseResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      403      {object}  api.ErrorResponse
// @Router       /release [post]
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.ReleaseRequest
	if err := h.readJSON(w, r, &req); err != nil {
		return err
	}
	res, err := h.core.Release(r.Context(), core.ReleaseCommand{
		DocumentID: req.DocumentID,
		SessionID:  req.SessionID,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{OK: true, Released: res.Released}, nil)
	return nil
}

// handleListLocks godoc
// @Summary      List lock records
// @Description  Returns every decodable lock record sorted by documentId. Expired records are included; live is derived at read time.
// @Tags         lock
// @Produce      json
// @Success      200  {object}  api.ListLocksResponse
// @Router       /locks [get]
func (h *Handler) handleListLocks(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	res, err := h.core.ListLocks(r.Context())
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, listView(res), nil)
	return nil
}

// handleClearLocks godoc
// @Summary      Clear every lock record
// @Description  Operator recovery. Deletes all lock records without ownership or liveness checks. Per-key failures are listed in failedKeys.
// @Tags         admin
// @Produce      json
// @Success      200  {object}  api.ClearLocksResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      403  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /admin/clear-locks [post]
func (h *Handler) handleClearLocks(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	if err := h.authorizeAdmin(r); err != nil {
		return err
	}
	logger := loggingutil.FromContext(r.Context(), h.logger)
	res, err := h.core.ClearAll(r.Context())
	if err != nil {
		return err
	}
	logger.Warn("admin.clear_locks",
		"removed", res.LocksRemoved,
		"failed", len(res.FailedKeys),
		"remote_addr", r.RemoteAddr,
	)
	h.writeJSON(w, http.StatusOK, api.ClearLocksResponse{
		OK:           true,
		LocksRemoved: res.LocksRemoved,
		RemovedKeys:  res.RemovedKeys,
		FailedKeys:   res.FailedKeys,
	}, nil)
	return nil
}

// handleSwagger serves the registered OpenAPI document.
func (h *Handler) handleSwagger(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
	return nil
}

// handleHealth godoc
// @Summary      Liveness check
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{OK: true}, nil)
	return nil
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Fails with 503 once the server starts draining.
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Failure      503  {object}  api.HealthResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if state := h.currentShutdownState(); state.Draining {
		h.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{OK: false, Draining: true}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{OK: true}, nil)
	return nil
}

package web

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"addon-home/internal/addon"
	"addon-home/internal/manager"
	"addon-home/internal/scripting"
)

// maxDocumentSize caps uploaded add-on documents.
const maxDocumentSize = 1 << 20

func (s *Server) handleAPIListAddOns(w http.ResponseWriter, r *http.Request) {
	list, err := s.mgr.List()
	if err != nil {
		s.logger.Error("list add-ons", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIGetAddOn(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status(r.PathValue("name"))
	if err != nil {
		s.writeError(w, "get add-on", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIExportAddOn(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := s.mgr.Export(name)
	if err != nil {
		s.writeError(w, "export add-on", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.xml"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write export response", "name", name, "err", err)
	}
}

func (s *Server) handleAPIInstallAddOn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "document too large"})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	p, err := s.mgr.Install(bytes.NewReader(body))
	if err != nil {
		s.writeError(w, "install add-on", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleAPIUninstallAddOn(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Uninstall(r.PathValue("name")); err != nil {
		s.writeError(w, "uninstall add-on", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIActivateAddOn(w http.ResponseWriter, r *http.Request) {
	p, err := s.mgr.Activate(r.PathValue("name"))
	if err != nil {
		s.writeError(w, "activate add-on", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPIDeactivateAddOn(w http.ResponseWriter, r *http.Request) {
	p, err := s.mgr.Deactivate(r.PathValue("name"))
	if err != nil {
		s.writeError(w, "deactivate add-on", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// writeError maps manager and loader errors to HTTP statuses. Load errors
// are client errors and their message is returned as-is.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.logger.Debug(op, "status", status, "err", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrUnsupported), errors.Is(err, manager.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, addon.ErrMalformedDocument):
		return http.StatusBadRequest
	case errors.Is(err, addon.ErrValidation),
		errors.Is(err, addon.ErrUnknownExecutionMode),
		errors.Is(err, scripting.ErrSyntax):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

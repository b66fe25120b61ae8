package main

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"ecoshare/agreement"
	"ecoshare/lifecycle"
)

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	created, err := s.agreementService.Create(r.Context(), req.params(userIDFrom(r)))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAgreementResponse(created))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter agreement.ListFilter
	if raw := q.Get("status"); raw != "" {
		status, err := agreement.ParseStatus(raw)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filter.Status = status
	}
	if raw := q.Get("itemType"); raw != "" {
		itemType, err := agreement.ParseItemType(raw)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filter.ItemType = itemType
	}
	var err error
	if filter.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "page must be a number")
		return
	}
	if filter.PageSize, err = intParam(q.Get("pageSize")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "pageSize must be a number")
		return
	}
	filter = filter.Normalize()

	items, total, err := s.agreementService.List(r.Context(), userIDFrom(r), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]agreementResponse, 0, len(items))
	for _, a := range items {
		resp = append(resp, newAgreementResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    resp,
		"total":    total,
		"page":     filter.Page,
		"pageSize": filter.PageSize,
	})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.agreementService.Get(r.Context(), id, userIDFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.agreementService.Submit(r.Context(), id, userIDFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request, id string) {
	var req signRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	a, err := s.agreementService.Sign(r.Context(), lifecycle.SignParams{
		Ref:        id,
		IdentityID: userIDFrom(r),
		Artifact:   req.Signature,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.agreementService.Complete(r.Context(), id, userIDFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	var req cancelRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	a, err := s.agreementService.Cancel(r.Context(), id, userIDFrom(r), strings.TrimSpace(req.Reason))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) handleResendNotification(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.agreementService.ResendNotification(r.Context(), id, userIDFrom(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	doc, err := s.agreementService.Document(r.Context(), id, userIDFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	if doc.Filename != "" {
		w.Header().Set("Content-Disposition", `inline; filename="`+doc.Filename+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request, id string) {
	fp, err := s.agreementService.Fingerprint(r.Context(), id, userIDFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fingerprintResponse{ID: id, Fingerprint: fp})
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var errBodyTooLarge = errors.New("report body too large")

func (h *handler) readReport(w http.ResponseWriter, r *http.Request) (gjson.Result, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.deps.Reports.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errBodyTooLarge)
			return gjson.Result{}, false
		}
		writeError(w, http.StatusBadRequest, err)
		return gjson.Result{}, false
	}
	if !gjson.ValidBytes(raw) {
		writeError(w, http.StatusBadRequest, errors.New("report body is not valid JSON"))
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(raw), true
}

// reportErrors logs every error a browser reports. The body is an array;
// each element is logged as sent.
func (h *handler) reportErrors(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readReport(w, r)
	if !ok {
		return
	}
	log := h.log.FromContext(r.Context()).WithFields(logrus.Fields{
		"source":     "client",
		"user_agent": r.UserAgent(),
	})
	if !body.IsArray() {
		log.WithField("report", body.Raw).Warn("dropping client error report that is not an array")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body.ForEach(func(_, item gjson.Result) bool {
		msg := item.Get("msg").String()
		if msg == "" {
			msg = item.Get("message").String()
		}
		if msg == "" {
			msg = "client reported error"
		}
		log.WithField("report", item.Raw).Error(msg)
		h.deps.Metrics.RecordReport("errors")
		return true
	})
	w.WriteHeader(http.StatusNoContent)
}

// reportCSP logs a Content-Security-Policy violation report.
func (h *handler) reportCSP(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readReport(w, r)
	if !ok {
		return
	}
	log := h.log.FromContext(r.Context()).WithField("source", "csp")
	report := body.Get("csp-report")
	if !report.Exists() {
		log.Warn("CSP Violation reported, but no data received")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Warn("CSP Violation: " + report.Raw)
	h.deps.Metrics.RecordReport("csp-violation")
	w.WriteHeader(http.StatusNoContent)
}

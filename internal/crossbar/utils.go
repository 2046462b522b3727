package crossbar

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

func newFrames() *Frames {
	return &Frames{size: welford.New(), ns: welford.New(), mu: &sync.RWMutex{}}
}

// add records a message of size bytes, measuring the interval from the
// previous one (or from since, for the first)
func (f *Frames) add(size int, since time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := time.Now()
	if f.ns.Count() > 0 {
		f.ns.Add(float64(t.UnixNano() - f.last.UnixNano()))
	} else {
		f.ns.Add(float64(t.UnixNano() - since.UnixNano()))
	}
	f.last = t
	f.size.Add(float64(size))
}

func (f *Frames) report() ReportStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.size.Count() == 0 {
		return ReportStats{Last: "Never"}
	}

	return ReportStats{
		Last:  time.Since(f.last).String(),
		Size:  math.Round(f.size.Mean()),
		Fps:   fpsFromNs(f.ns.Mean()),
		Count: f.size.Count(),
	}
}

func fpsFromNs(ns float64) float64 {
	if ns <= 0 {
		return 0
	}
	return 1 / (ns * 1e-9)
}

// bearerFrom takes the token from the Authorization header, or failing that
// the token query parameter (browsers cannot set headers on websockets)
func bearerFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer"))
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.WithField("error", err).Error("marshalling report")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		log.WithField("error", err).Debug("writing report")
	}
}

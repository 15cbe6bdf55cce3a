// Package testhelpers provides fake observation providers for tests that run
// the full pipeline over HTTP.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Field is one reported value in a provider document. A nil Value is an
// explicit "no data" report.
type Field struct {
	Value      interface{} `json:"value"`
	Unit       string      `json:"unit,omitempty"`
	ObservedAt string      `json:"observed_at,omitempty"`
}

// Wind is the wind group in a provider document.
type Wind struct {
	Speed     interface{} `json:"speed"`
	Direction interface{} `json:"direction"`
	Gust      interface{} `json:"gust"`
	Unit      string      `json:"unit,omitempty"`
}

// Document is the provider-normalized observation document served by an
// Upstream.
type Document struct {
	ObservedAt string            `json:"observed_at"`
	Station    string            `json:"station,omitempty"`
	Raw        string            `json:"raw,omitempty"`
	Fields     map[string]*Field `json:"fields"`
	Wind       *Wind             `json:"wind,omitempty"`
}

// NewDocument returns an empty document observed at t.
func NewDocument(t time.Time) Document {
	return Document{
		ObservedAt: t.UTC().Format(time.RFC3339),
		Fields:     make(map[string]*Field),
	}
}

// With sets a field value in the field's canonical unit.
func (d Document) With(key string, value interface{}) Document {
	d.Fields[key] = &Field{Value: value}
	return d
}

// WithUnit sets a field value in an explicit unit.
func (d Document) WithUnit(key string, value interface{}, unit string) Document {
	d.Fields[key] = &Field{Value: value, Unit: unit}
	return d
}

// WithWind sets the wind group in knots.
func (d Document) WithWind(speed, direction, gust interface{}) Document {
	d.Wind = &Wind{Speed: speed, Direction: direction, Gust: gust}
	return d
}

// WithMetar sets the reporting station and raw METAR text.
func (d Document) WithMetar(station, raw string) Document {
	d.Station, d.Raw = station, raw
	return d
}

// Upstream is a fake provider. It serves the current document, or the
// configured error status, and records what it was asked.
type Upstream struct {
	*httptest.Server

	mu      sync.Mutex
	doc     Document
	status  int
	hits    int
	apiKeys []string
	corrIDs []string
}

// NewUpstream starts a provider serving doc. It is closed when the test ends.
func NewUpstream(t testing.TB, doc Document) *Upstream {
	t.Helper()
	u := &Upstream{doc: doc, status: http.StatusOK}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.hits++
	u.apiKeys = append(u.apiKeys, r.Header.Get("X-API-Key"))
	u.corrIDs = append(u.corrIDs, r.Header.Get("X-Correlation-ID"))
	status, doc := u.status, u.doc
	u.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// SetDocument replaces the served document and clears any error status.
func (u *Upstream) SetDocument(doc Document) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.doc, u.status = doc, http.StatusOK
}

// Fail makes every following request answer with status.
func (u *Upstream) Fail(status int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
}

// Hits returns how many requests were served.
func (u *Upstream) Hits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits
}

// APIKeys returns the X-API-Key header of every request, in order.
func (u *Upstream) APIKeys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.apiKeys...)
}

// CorrelationIDs returns the X-Correlation-ID header of every request, in order.
func (u *Upstream) CorrelationIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.corrIDs...)
}

package models

import (
	"time"

	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/policy"
)

// Report is the public view of an observation. Provenance maps are not
// exposed; fields classified as fail-closed are served as null.
type Report struct {
	Airport      string                       `json:"airport"`
	Fields       map[string]observation.Value `json:"fields"`
	Staleness    map[string]policy.Freshness  `json:"staleness"`
	LastUpdated  time.Time                    `json:"lastUpdated"`
	MetarStation string                       `json:"metarStation,omitempty"`
	RawMetar     string                       `json:"rawMetar,omitempty"`
	OnBackup     []string                     `json:"onBackup,omitempty"`
	Stale        bool                         `json:"stale,omitempty"` // at least one field was withheld
}

// NewReport builds the public view from an observation and its per-field
// classification. Every tracked field appears in Fields, null when missing.
func NewReport(o Observation, staleness map[observation.Field]policy.Freshness) Report {
	r := Report{
		Airport:      o.Airport,
		Fields:       make(map[string]observation.Value),
		Staleness:    make(map[string]policy.Freshness),
		LastUpdated:  o.LastUpdated,
		MetarStation: o.MetarStationID,
		RawMetar:     o.RawMetar,
	}
	for _, f := range observation.AllFields() {
		v := o.Values[f]
		class, classified := staleness[f]
		if classified {
			r.Staleness[f.Key()] = class
		}
		if class == policy.Error && o.Has(f) {
			v = observation.Null
			r.Stale = true
		}
		r.Fields[f.Key()] = v
		if o.FieldRole[f] == RoleBackup {
			r.OnBackup = append(r.OnBackup, f.Key())
		}
	}
	return r
}

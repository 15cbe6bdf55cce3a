package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/observation"
)

// Role records which side of the primary/backup merge supplied a field.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
	// RoleMerged marks a wind group assembled from more than one source
	// within the merge tolerance.
	RoleMerged Role = "merged"
)

// RejectionKind classifies why a candidate value was not used.
type RejectionKind string

const (
	RejectValidation RejectionKind = "validation"
	RejectStale      RejectionKind = "stale"
	RejectGroup      RejectionKind = "group"
	RejectNullField  RejectionKind = "null_field"
)

// Rejection is a diagnostic about one candidate value. Rejections are data so
// that aggregation stays free of I/O; callers log and count them.
type Rejection struct {
	Field  observation.Field
	Source string
	Kind   RejectionKind
	Reason string
}

// Observation is the aggregated result for one airport with per-field
// provenance. A field absent from Values is missing; a field present with a
// null value was explicitly reported as having no data.
type Observation struct {
	Airport string

	Values       map[observation.Field]observation.Value
	FieldSource  map[observation.Field]string
	FieldObsTime map[observation.Field]time.Time
	FieldRole    map[observation.Field]Role

	LastUpdated        time.Time
	LastUpdatedPrimary time.Time
	LastUpdatedMetar   time.Time
	LastUpdatedBackup  time.Time

	MetarStationID string
	RawMetar       string

	Rejections []Rejection
}

// NewObservation returns an empty observation with initialized maps.
func NewObservation(airport string) Observation {
	return Observation{
		Airport:      airport,
		Values:       make(map[observation.Field]observation.Value),
		FieldSource:  make(map[observation.Field]string),
		FieldObsTime: make(map[observation.Field]time.Time),
		FieldRole:    make(map[observation.Field]Role),
	}
}

// Get returns a field's value and whether the field is present at all.
func (o Observation) Get(f observation.Field) (observation.Value, bool) {
	v, ok := o.Values[f]
	return v, ok
}

// Has reports a present, non-null value.
func (o Observation) Has(f observation.Field) bool {
	v, ok := o.Values[f]
	return ok && !v.IsNull()
}

// IsExplicitNull reports a field present with a null value.
func (o Observation) IsExplicitNull(f observation.Field) bool {
	v, ok := o.Values[f]
	return ok && v.IsNull()
}

// Set stores a value with its provenance. An empty source or zero obsTime
// leaves that provenance entry unset.
func (o *Observation) Set(f observation.Field, v observation.Value, source string, obsTime time.Time, role Role) {
	o.ensure()
	o.Values[f] = v
	o.setProvenance(f, source, obsTime, role)
}

// SetNull records an explicit null. Provenance is kept only when the null was
// affirmatively reported by a known source.
func (o *Observation) SetNull(f observation.Field, source string, obsTime time.Time, role Role) {
	o.Set(f, observation.Null, source, obsTime, role)
}

// Delete removes a field and its provenance.
func (o *Observation) Delete(f observation.Field) {
	delete(o.Values, f)
	o.clearProvenance(f)
}

// CopyField copies a field and its provenance from src. A field missing from
// src is deleted.
func (o *Observation) CopyField(src Observation, f observation.Field) {
	v, ok := src.Values[f]
	if !ok {
		o.Delete(f)
		return
	}
	o.Set(f, v, src.FieldSource[f], src.FieldObsTime[f], src.FieldRole[f])
}

// Reject appends a diagnostic.
func (o *Observation) Reject(f observation.Field, source string, kind RejectionKind, reason string) {
	o.Rejections = append(o.Rejections, Rejection{Field: f, Source: source, Kind: kind, Reason: reason})
}

// ObsTime returns a field's observation time, if recorded.
func (o Observation) ObsTime(f observation.Field) (time.Time, bool) {
	t, ok := o.FieldObsTime[f]
	return t, ok && !t.IsZero()
}

// IsEmpty reports that no field is present.
func (o Observation) IsEmpty() bool {
	return len(o.Values) == 0
}

// Clone returns a deep copy.
func (o Observation) Clone() Observation {
	c := o
	c.Values = make(map[observation.Field]observation.Value, len(o.Values))
	c.FieldSource = make(map[observation.Field]string, len(o.FieldSource))
	c.FieldObsTime = make(map[observation.Field]time.Time, len(o.FieldObsTime))
	c.FieldRole = make(map[observation.Field]Role, len(o.FieldRole))
	for k, v := range o.Values {
		c.Values[k] = v
	}
	for k, v := range o.FieldSource {
		c.FieldSource[k] = v
	}
	for k, v := range o.FieldObsTime {
		c.FieldObsTime[k] = v
	}
	for k, v := range o.FieldRole {
		c.FieldRole[k] = v
	}
	c.Rejections = append([]Rejection(nil), o.Rejections...)
	return c
}

func (o *Observation) ensure() {
	if o.Values == nil {
		o.Values = make(map[observation.Field]observation.Value)
	}
	if o.FieldSource == nil {
		o.FieldSource = make(map[observation.Field]string)
	}
	if o.FieldObsTime == nil {
		o.FieldObsTime = make(map[observation.Field]time.Time)
	}
	if o.FieldRole == nil {
		o.FieldRole = make(map[observation.Field]Role)
	}
}

func (o *Observation) setProvenance(f observation.Field, source string, obsTime time.Time, role Role) {
	o.clearProvenance(f)
	if source != "" {
		o.FieldSource[f] = source
	}
	if !obsTime.IsZero() {
		o.FieldObsTime[f] = obsTime
	}
	if role != "" {
		o.FieldRole[f] = role
	}
}

func (o *Observation) clearProvenance(f observation.Field) {
	delete(o.FieldSource, f)
	delete(o.FieldObsTime, f)
	delete(o.FieldRole, f)
}

const (
	keyAirport      = "airport"
	keyLastUpdated  = "last_updated"
	keyLastPrimary  = "last_updated_primary"
	keyLastMetar    = "last_updated_metar"
	keyLastBackup   = "last_updated_backup"
	keyMetarStation = "metar_station_id"
	keyRawMetar     = "raw_metar"
	keySourceMap    = "_field_source_map"
	keyObsTimeMap   = "_field_obs_time_map"
	keyRoleMap      = "_field_role_map"
)

// MarshalJSON writes the flat cache form: wire keys for values, unix seconds
// for timestamps, and the provenance maps under underscore keys.
func (o Observation) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(o.Values)+10)
	for f, v := range o.Values {
		out[f.Key()] = v
	}
	if o.Airport != "" {
		out[keyAirport] = o.Airport
	}
	putUnix(out, keyLastUpdated, o.LastUpdated)
	putUnix(out, keyLastPrimary, o.LastUpdatedPrimary)
	putUnix(out, keyLastMetar, o.LastUpdatedMetar)
	putUnix(out, keyLastBackup, o.LastUpdatedBackup)
	if o.MetarStationID != "" {
		out[keyMetarStation] = o.MetarStationID
	}
	if o.RawMetar != "" {
		out[keyRawMetar] = o.RawMetar
	}

	sources := make(map[string]string, len(o.FieldSource))
	for f, s := range o.FieldSource {
		sources[f.Key()] = s
	}
	times := make(map[string]int64, len(o.FieldObsTime))
	for f, t := range o.FieldObsTime {
		times[f.Key()] = t.Unix()
	}
	roles := make(map[string]Role, len(o.FieldRole))
	for f, r := range o.FieldRole {
		roles[f.Key()] = r
	}
	out[keySourceMap] = sources
	out[keyObsTimeMap] = times
	out[keyRoleMap] = roles
	return json.Marshal(out)
}

// UnmarshalJSON reads the form written by MarshalJSON. Unknown keys are ignored.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = NewObservation("")
	for key, msg := range raw {
		if f, ok := observation.ParseField(key); ok {
			var v observation.Value
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("field %s: %w", key, err)
			}
			o.Values[f] = v
		}
	}

	var err error
	if err = getString(raw, keyAirport, &o.Airport); err != nil {
		return err
	}
	if err = getString(raw, keyMetarStation, &o.MetarStationID); err != nil {
		return err
	}
	if err = getString(raw, keyRawMetar, &o.RawMetar); err != nil {
		return err
	}
	for key, dst := range map[string]*time.Time{
		keyLastUpdated: &o.LastUpdated,
		keyLastPrimary: &o.LastUpdatedPrimary,
		keyLastMetar:   &o.LastUpdatedMetar,
		keyLastBackup:  &o.LastUpdatedBackup,
	} {
		if err = getUnix(raw, key, dst); err != nil {
			return err
		}
	}

	var sources map[string]string
	if err = getJSON(raw, keySourceMap, &sources); err != nil {
		return err
	}
	for k, s := range sources {
		if f, ok := observation.ParseField(k); ok {
			o.FieldSource[f] = s
		}
	}
	var times map[string]int64
	if err = getJSON(raw, keyObsTimeMap, &times); err != nil {
		return err
	}
	for k, ts := range times {
		if f, ok := observation.ParseField(k); ok && ts > 0 {
			o.FieldObsTime[f] = time.Unix(ts, 0).UTC()
		}
	}
	var roles map[string]Role
	if err = getJSON(raw, keyRoleMap, &roles); err != nil {
		return err
	}
	for k, r := range roles {
		if f, ok := observation.ParseField(k); ok {
			o.FieldRole[f] = r
		}
	}
	return nil
}

func putUnix(out map[string]interface{}, key string, t time.Time) {
	if !t.IsZero() {
		out[key] = t.Unix()
	}
}

func getJSON(raw map[string]json.RawMessage, key string, dst interface{}) error {
	msg, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(msg, dst); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func getString(raw map[string]json.RawMessage, key string, dst *string) error {
	return getJSON(raw, key, dst)
}

func getUnix(raw map[string]json.RawMessage, key string, dst *time.Time) error {
	var ts int64
	if err := getJSON(raw, key, &ts); err != nil {
		return err
	}
	if ts > 0 {
		*dst = time.Unix(ts, 0).UTC()
	}
	return nil
}

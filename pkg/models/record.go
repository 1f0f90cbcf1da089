package models

// Row is one flat sensor observation: field name to scalar value (string,
// number, bool, or nil). The streaming client treats rows as opaque beyond
// being JSON-serializable; field mapping is the sensor's job.
type Row map[string]any

// Field returns the named value, or nil if absent.
func (r Row) Field(name string) any {
	return r[name]
}

package models

// Location represents a geographic location with latitude and longitude
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Station is a bike rack location with its current occupancy
type Station struct {
	ID             string   `json:"station_id" yaml:"station_id"`
	Name           string   `json:"name" yaml:"name"`
	Location       Location `json:"location" yaml:"location"`
	BikesAvailable int      `json:"bikes_available" yaml:"bikes_available"`
}

// Neighbor is one entry of a station's proximity list
type Neighbor struct {
	Distance  float64 `json:"distance" yaml:"distance"`
	StationID string  `json:"station_id" yaml:"station_id"`
}

// Transfer moves Amount bikes from one station to another
type Transfer struct {
	From   string `json:"from" yaml:"from"`
	To     string `json:"to" yaml:"to"`
	Amount int    `json:"amount" yaml:"amount"`
}

// Row is a single record of a tabular station snapshot, keyed by column name.
type Row map[string]any

// Snapshot is a full tabular reading of all stations at one point in time.
// Columns keeps the caller's column order so output mirrors input.
type Snapshot struct {
	Columns []string `json:"columns" yaml:"columns"`
	Rows    []Row    `json:"rows" yaml:"rows"`
}

// Column names understood by the snapshot adapter.
const (
	FieldStationID         = "station_id"
	FieldName              = "name"
	FieldLat               = "lat"
	FieldLatitude          = "latitude"
	FieldLon               = "lon"
	FieldLongitude         = "longitude"
	FieldBikesAvailable    = "bikes_available"
	FieldNumBikesAvailable = "num_bikes_available"
	FieldCapacity          = "capacity"
)

// OccupancyAliases lists the accepted occupancy columns in resolution order.
var OccupancyAliases = []string{FieldBikesAvailable, FieldNumBikesAvailable, FieldCapacity}

// HasColumn reports whether the snapshot declares the column.
func (s Snapshot) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the snapshot rows and columns.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Columns: append([]string(nil), s.Columns...),
		Rows:    make([]Row, len(s.Rows)),
	}
	for i, r := range s.Rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.Rows[i] = cp
	}
	return out
}

package station

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

// Largest float64 below which every integer is exact
const maxExactInt = 1 << 53

// parseRow converts one snapshot row into a Station. The occupancy column is
// resolved by the caller so every row of a snapshot reads the same field.
func parseRow(row models.Row, occupancyField string) (models.Station, error) {
	var st models.Station

	id, err := stringField(row, models.FieldStationID)
	if err != nil {
		return st, err
	}
	if id == "" {
		return st, fmt.Errorf("field %q is empty", models.FieldStationID)
	}
	name, err := stringField(row, models.FieldName)
	if err != nil {
		return st, err
	}
	lat, err := floatField(row, models.FieldLat, models.FieldLatitude)
	if err != nil {
		return st, err
	}
	lon, err := floatField(row, models.FieldLon, models.FieldLongitude)
	if err != nil {
		return st, err
	}
	bikes, err := intField(row, occupancyField)
	if err != nil {
		return st, err
	}
	if bikes < 0 {
		return st, fmt.Errorf("field %q is negative: %d", occupancyField, bikes)
	}

	st.ID = id
	st.Name = name
	st.Location = models.Location{Lat: lat, Lon: lon}
	st.BikesAvailable = bikes
	return st, nil
}

// IDOf returns the station id of row in the form Load stores it.
func IDOf(row models.Row) (string, error) {
	return stringField(row, models.FieldStationID)
}

func lookup(row models.Row, names ...string) (any, string, bool) {
	for _, n := range names {
		if v, ok := row[n]; ok && v != nil {
			return v, n, true
		}
	}
	return nil, "", false
}

func stringField(row models.Row, name string) (string, error) {
	v, _, ok := lookup(row, name)
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		// GBFS feeds occasionally publish numeric ids
		if t == math.Trunc(t) && math.Abs(t) <= maxExactInt {
			return strconv.FormatInt(int64(t), 10), nil
		}
	}
	return "", fmt.Errorf("field %q has unsupported type %T", name, v)
}

func floatField(row models.Row, names ...string) (float64, error) {
	v, name, ok := lookup(row, names...)
	if !ok {
		return 0, fmt.Errorf("missing field %q", names[0])
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("field %q is not finite", name)
	}
	return f, nil
}

func intField(row models.Row, name string) (int, error) {
	v, _, ok := lookup(row, name)
	if !ok {
		return 0, fmt.Errorf("missing field %q", name)
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("field %q is not an integer: %v", name, v)
	}
	if math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("field %q is out of range: %v", name, v)
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

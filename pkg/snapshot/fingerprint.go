package snapshot

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/xxh3"

	"github.com/1F47E/geo-rebalance/pkg/station"
)

// Fingerprint hashes station ids and coordinates in store order. Occupancy
// is ignored, so two snapshots with the same geometry share a fingerprint
// and can share a proximity index.
func Fingerprint(store *station.Store) uint64 {
	h := xxh3.New()
	var buf [16]byte
	for st := range store.All() {
		_, _ = h.Write([]byte(st.ID))
		_, _ = h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(st.Location.Lat))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(st.Location.Lon))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

package balancer

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// hashRing maps keys onto servers via virtual nodes, so removing one server
// relocates only the keys its virtual nodes owned.
type hashRing struct {
	points []ringPoint
}

type ringPoint struct {
	hash     uint32
	serverID string
}

func newHashRing(serverIDs []string, virtualNodes int) *hashRing {
	ring := &hashRing{points: make([]ringPoint, 0, len(serverIDs)*virtualNodes)}
	for _, id := range serverIDs {
		for i := 0; i < virtualNodes; i++ {
			ring.points = append(ring.points, ringPoint{
				hash:     hashKey(fmt.Sprintf("%s#%d", id, i)),
				serverID: id,
			})
		}
	}
	sort.Slice(ring.points, func(i, j int) bool { return ring.points[i].hash < ring.points[j].hash })
	return ring
}

// locate returns the server owning the first ring point at or after the
// key's hash, wrapping around to the first point.
func (r *hashRing) locate(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].serverID
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

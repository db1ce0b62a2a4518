// Package surface abstracts the map view the subsystem draws on. Only
// marker and polyline operations are assumed.
package surface

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rubiojr/quietspace/pkg/place"
)

// Marker is a point annotation.
type Marker struct {
	Position place.LatLng `json:"position"`
	Title    string       `json:"title"`
	Snippet  string       `json:"snippet,omitempty"`
	Emoji    string       `json:"emoji,omitempty"`
	RecordID int64        `json:"record_id,omitempty"`
}

// Pattern describes a dashed stroke. The zero value is solid.
type Pattern struct {
	Dash float64 `json:"dash,omitempty"`
	Gap  float64 `json:"gap,omitempty"`
}

// Solid reports whether p draws a continuous line.
func (p Pattern) Solid() bool { return p.Dash == 0 && p.Gap == 0 }

// Polyline is a drawn path.
type Polyline struct {
	Points  []place.LatLng `json:"points"`
	Width   float64        `json:"width"`
	Color   string         `json:"color"`
	Pattern Pattern        `json:"pattern"`
	ZIndex  int            `json:"z_index"`
}

// Surface is implemented by whatever renders the map.
type Surface interface {
	AddMarker(m Marker) string
	UpdateMarker(id string, m Marker)
	RemoveMarker(id string)
	AddPolyline(p Polyline) string
	RemovePolyline(id string)
}

// Snapshot is the current drawn state of a Memory surface.
type Snapshot struct {
	Markers   []IdentifiedMarker   `json:"markers"`
	Polylines []IdentifiedPolyline `json:"polylines"`
	Revision  uint64               `json:"revision"`
}

// IdentifiedMarker is a marker with its surface id.
type IdentifiedMarker struct {
	ID string `json:"id"`
	Marker
}

// IdentifiedPolyline is a polyline with its surface id.
type IdentifiedPolyline struct {
	ID string `json:"id"`
	Polyline
}

// Memory is a thread-safe in-process surface. Map front-ends poll its
// snapshot over HTTP.
type Memory struct {
	mu        sync.RWMutex
	seq       uint64
	revision  uint64
	markers   map[string]Marker
	polylines map[string]Polyline
	order     map[string]uint64
}

// NewMemory returns an empty surface.
func NewMemory() *Memory {
	return &Memory{
		markers:   make(map[string]Marker),
		polylines: make(map[string]Polyline),
		order:     make(map[string]uint64),
	}
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	id := fmt.Sprintf("%s%d", prefix, m.seq)
	m.order[id] = m.seq
	return id
}

func (m *Memory) AddMarker(mk Marker) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID("m")
	m.markers[id] = mk
	m.revision++
	return id
}

func (m *Memory) UpdateMarker(id string, mk Marker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.markers[id]; ok {
		m.markers[id] = mk
		m.revision++
	}
}

func (m *Memory) RemoveMarker(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.markers[id]; ok {
		delete(m.markers, id)
		delete(m.order, id)
		m.revision++
	}
}

func (m *Memory) AddPolyline(p Polyline) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID("p")
	p.Points = append([]place.LatLng(nil), p.Points...)
	m.polylines[id] = p
	m.revision++
	return id
}

func (m *Memory) RemovePolyline(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.polylines[id]; ok {
		delete(m.polylines, id)
		delete(m.order, id)
		m.revision++
	}
}

// Snapshot copies the drawn state, in the order items were added.
func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Markers:   make([]IdentifiedMarker, 0, len(m.markers)),
		Polylines: make([]IdentifiedPolyline, 0, len(m.polylines)),
		Revision:  m.revision,
	}
	for id, mk := range m.markers {
		s.Markers = append(s.Markers, IdentifiedMarker{ID: id, Marker: mk})
	}
	for id, p := range m.polylines {
		s.Polylines = append(s.Polylines, IdentifiedPolyline{ID: id, Polyline: p})
	}
	sort.Slice(s.Markers, func(i, j int) bool { return m.order[s.Markers[i].ID] < m.order[s.Markers[j].ID] })
	sort.Slice(s.Polylines, func(i, j int) bool { return m.order[s.Polylines[i].ID] < m.order[s.Polylines[j].ID] })
	return s
}

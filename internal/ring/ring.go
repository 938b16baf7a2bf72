// Package ring implements the consistent-hash ring metadata shared by the
// coordinator and every storage node.
//
// A Metadata value is an immutable snapshot. AddNode and RemoveNode return a
// new snapshot, so holders can publish it with an atomic pointer swap and
// readers never observe a half-applied change.
package ring

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrEmptyRing    = errors.New("ring is empty")
	ErrNodeNotFound = errors.New("node not found in ring")
	ErrNodeExists   = errors.New("node already in ring")
	ErrMalformed    = errors.New("malformed ring encoding")
)

// Position is a point on the 128-bit ring, ordered as a big-endian unsigned integer
type Position [16]byte

// Hash maps arbitrary bytes onto the ring
func Hash(data []byte) Position {
	return Position(md5.Sum(data))
}

// HashKey maps a client key onto the ring
func HashKey(key string) Position {
	return Hash([]byte(key))
}

// NodeAddress renders a node endpoint as "address:port"
func NodeAddress(address string, port int) string {
	return address + ":" + strconv.Itoa(port)
}

// NodePosition is the ring position of the node at address:port
func NodePosition(address string, port int) Position {
	return Hash([]byte(NodeAddress(address, port)))
}

// Compare returns -1, 0 or +1
func (p Position) Compare(o Position) int {
	return bytes.Compare(p[:], o[:])
}

func (p Position) String() string {
	return hex.EncodeToString(p[:])
}

// MarshalText encodes the position as lowercase hex
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a hex position
func (p *Position) UnmarshalText(text []byte) error {
	parsed, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePosition decodes a 32 character hex string
func ParsePosition(s string) (Position, error) {
	var p Position
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("%w: position %q: %v", ErrMalformed, s, err)
	}
	if len(b) != len(p) {
		return p, fmt.Errorf("%w: position %q has %d bytes", ErrMalformed, s, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// KeyRange is the arc (To, From] owned by one node. From is the owner's own
// position, To is its predecessor's position.
type KeyRange struct {
	Address string   `json:"address"`
	Port    int      `json:"port"`
	From    Position `json:"range_from"`
	To      Position `json:"range_to"`
}

// NodeAddr returns the owner endpoint as "address:port"
func (r KeyRange) NodeAddr() string {
	return NodeAddress(r.Address, r.Port)
}

// contains applies the circular interval test. From == To covers the whole
// ring; callers that know the ring size use Metadata.WithinRange instead.
func (r KeyRange) contains(h Position) bool {
	switch r.To.Compare(r.From) {
	case 0:
		return true
	case -1:
		return h.Compare(r.To) > 0 && h.Compare(r.From) <= 0
	default:
		return h.Compare(r.To) > 0 || h.Compare(r.From) <= 0
	}
}

// Metadata is an immutable, ordered view of the ring
type Metadata struct {
	positions []Position
	ranges    map[Position]KeyRange
}

// New returns an empty ring
func New() *Metadata {
	return &Metadata{ranges: make(map[Position]KeyRange)}
}

// FromRanges builds a snapshot from a list of ranges keyed by their From position
func FromRanges(ranges []KeyRange) *Metadata {
	m := &Metadata{
		positions: make([]Position, 0, len(ranges)),
		ranges:    make(map[Position]KeyRange, len(ranges)),
	}
	for _, r := range ranges {
		if _, dup := m.ranges[r.From]; !dup {
			m.positions = append(m.positions, r.From)
		}
		m.ranges[r.From] = r
	}
	sortPositions(m.positions)
	return m
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Compare(ps[j]) < 0 })
}

func (m *Metadata) clone() *Metadata {
	c := &Metadata{
		positions: make([]Position, len(m.positions), len(m.positions)+1),
		ranges:    make(map[Position]KeyRange, len(m.ranges)+1),
	}
	copy(c.positions, m.positions)
	for k, v := range m.ranges {
		c.ranges[k] = v
	}
	return c
}

// Len returns the number of nodes on the ring
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.positions)
}

// Ranges returns all ranges in ring position order
func (m *Metadata) Ranges() []KeyRange {
	if m == nil {
		return nil
	}
	out := make([]KeyRange, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, m.ranges[p])
	}
	return out
}

// Lookup returns the range owned by the node at pos
func (m *Metadata) Lookup(pos Position) (KeyRange, bool) {
	if m == nil {
		return KeyRange{}, false
	}
	r, ok := m.ranges[pos]
	return r, ok
}

// LookupNode returns the range owned by the node at address:port
func (m *Metadata) LookupNode(address string, port int) (KeyRange, bool) {
	return m.Lookup(NodePosition(address, port))
}

// neighbours returns the positions immediately below and above p, wrapping
// around the ring. p itself is skipped if present.
func (m *Metadata) neighbours(p Position) (lower, upper Position) {
	n := len(m.positions)
	i := sort.Search(n, func(i int) bool { return m.positions[i].Compare(p) >= 0 })

	if i == 0 {
		lower = m.positions[n-1]
	} else {
		lower = m.positions[i-1]
	}

	j := i
	if j < n && m.positions[j] == p {
		j++
	}
	if j >= n {
		upper = m.positions[0]
	} else {
		upper = m.positions[j]
	}
	return lower, upper
}

// AddNode returns a snapshot with the node inserted, together with its new range.
// Only the new node's range and its successor's range change.
func (m *Metadata) AddNode(address string, port int) (*Metadata, KeyRange, error) {
	p := NodePosition(address, port)
	if _, exists := m.ranges[p]; exists {
		return m, KeyRange{}, ErrNodeExists
	}

	next := m.clone()
	added := KeyRange{Address: address, Port: port, From: p, To: p}

	if len(m.positions) > 0 {
		lower, upper := m.neighbours(p)
		succ := next.ranges[upper]
		succ.To = p
		next.ranges[upper] = succ
		added.To = lower
	}

	next.ranges[p] = added
	next.positions = append(next.positions, p)
	sortPositions(next.positions)
	return next, added, nil
}

// RemoveNode returns a snapshot without the node, together with the range it owned.
// The successor's range is extended back over the removed arc.
func (m *Metadata) RemoveNode(address string, port int) (*Metadata, KeyRange, error) {
	if m.Len() == 0 {
		return m, KeyRange{}, ErrEmptyRing
	}
	p := NodePosition(address, port)
	removed, exists := m.ranges[p]
	if !exists {
		return m, KeyRange{}, ErrNodeNotFound
	}

	next := m.clone()
	delete(next.ranges, p)
	idx := sort.Search(len(next.positions), func(i int) bool { return next.positions[i].Compare(p) >= 0 })
	next.positions = append(next.positions[:idx], next.positions[idx+1:]...)

	if len(next.positions) > 0 {
		_, upper := m.neighbours(p)
		succ := next.ranges[upper]
		succ.To = removed.To
		next.ranges[upper] = succ
	}
	return next, removed, nil
}

// WithinRange reports whether h lies in r. From == To means the whole ring
// only while the ring has a single node; otherwise it is the single point From.
func (m *Metadata) WithinRange(r KeyRange, h Position) bool {
	if r.From == r.To && m.Len() > 1 {
		return h == r.From
	}
	return r.contains(h)
}

// Owner returns the range responsible for h: the first position at or after h
func (m *Metadata) Owner(h Position) (KeyRange, bool) {
	n := m.Len()
	if n == 0 {
		return KeyRange{}, false
	}
	i := sort.Search(n, func(i int) bool { return m.positions[i].Compare(h) >= 0 })
	if i == n {
		i = 0
	}
	return m.ranges[m.positions[i]], true
}

// OwnerOfKey returns the range responsible for key
func (m *Metadata) OwnerOfKey(key string) (KeyRange, bool) {
	return m.Owner(HashKey(key))
}

// Successors returns up to count distinct ranges clockwise after pos, excluding pos itself
func (m *Metadata) Successors(pos Position, count int) []KeyRange {
	return m.walk(pos, count, 1)
}

// Predecessors returns up to count distinct ranges counter-clockwise before pos,
// excluding pos itself
func (m *Metadata) Predecessors(pos Position, count int) []KeyRange {
	return m.walk(pos, count, -1)
}

func (m *Metadata) walk(pos Position, count, step int) []KeyRange {
	n := m.Len()
	if n == 0 || count <= 0 {
		return nil
	}

	var i int
	if step > 0 {
		i = sort.Search(n, func(i int) bool { return m.positions[i].Compare(pos) > 0 })
	} else {
		i = sort.Search(n, func(i int) bool { return m.positions[i].Compare(pos) >= 0 }) - 1
	}

	out := make([]KeyRange, 0, count)
	for visited := 0; visited < n && len(out) < count; visited++ {
		idx := ((i % n) + n) % n
		if p := m.positions[idx]; p != pos {
			out = append(out, m.ranges[p])
		}
		i += step
	}
	return out
}

// ReadRange widens r over the two predecessor arcs the node serves as replicas.
// Rings of three or fewer nodes read everywhere, encoded as To == From.
func (m *Metadata) ReadRange(r KeyRange) KeyRange {
	if m.Len() <= 3 {
		r.To = r.From
		return r
	}
	preds := m.Predecessors(r.From, 2)
	r.To = preds[len(preds)-1].To
	return r
}

// ServesRead reports whether the node owning self may answer GET for h:
// its own arc or either predecessor's arc.
func (m *Metadata) ServesRead(self KeyRange, h Position) bool {
	if m.WithinRange(self, h) {
		return true
	}
	for _, pred := range m.Predecessors(self.From, 2) {
		if m.WithinRange(pred, h) {
			return true
		}
	}
	return false
}

// Encode renders the ring CSV: "<to_hex>,<from_hex>,<address>:<port>" joined by ';'
func (m *Metadata) Encode() string {
	return encodeRanges(m.Ranges())
}

// EncodeRead renders the ring CSV with every range widened to its read range
func (m *Metadata) EncodeRead() string {
	ranges := m.Ranges()
	for i, r := range ranges {
		ranges[i] = m.ReadRange(r)
	}
	return encodeRanges(ranges)
}

func encodeRanges(ranges []KeyRange) string {
	var sb strings.Builder
	for i, r := range ranges {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(r.To.String())
		sb.WriteByte(',')
		sb.WriteString(r.From.String())
		sb.WriteByte(',')
		sb.WriteString(r.NodeAddr())
	}
	return sb.String()
}

// Decode parses a ring CSV produced by Encode
func Decode(s string) (*Metadata, error) {
	var ranges []KeyRange
	for _, entry := range strings.Split(strings.TrimSpace(s), ";") {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: entry %q", ErrMalformed, entry)
		}
		to, err := ParsePosition(parts[0])
		if err != nil {
			return nil, err
		}
		from, err := ParsePosition(parts[1])
		if err != nil {
			return nil, err
		}
		sep := strings.LastIndexByte(parts[2], ':')
		if sep <= 0 {
			return nil, fmt.Errorf("%w: endpoint %q", ErrMalformed, parts[2])
		}
		port, err := strconv.Atoi(parts[2][sep+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint %q", ErrMalformed, parts[2])
		}
		ranges = append(ranges, KeyRange{Address: parts[2][:sep], Port: port, From: from, To: to})
	}
	return FromRanges(ranges), nil
}

// Fingerprint identifies the topology; two snapshots with the same ranges
// share a fingerprint.
func (m *Metadata) Fingerprint() string {
	return strconv.FormatUint(xxhash.Sum64String(m.Encode()), 16)
}

// Equal reports whether both snapshots hold identical ranges
func (m *Metadata) Equal(o *Metadata) bool {
	if m.Len() != o.Len() {
		return false
	}
	for p, r := range m.ranges {
		if or, ok := o.ranges[p]; !ok || or != r {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the snapshot as its ordered range list
func (m *Metadata) MarshalJSON() ([]byte, error) {
	ranges := m.Ranges()
	if ranges == nil {
		ranges = []KeyRange{}
	}
	return json.Marshal(ranges)
}

// UnmarshalJSON replaces the snapshot with the decoded range list
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var ranges []KeyRange
	if err := json.Unmarshal(data, &ranges); err != nil {
		return err
	}
	*m = *FromRanges(ranges)
	return nil
}

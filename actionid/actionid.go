package actionid

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/howeyc/crc16"

	"github.com/tradewire/tradewire/tradewire"
)

// ActionId is the idempotency key of an Action. It is a pure function of the
// action's content plus a coarse (minute resolution) UTC timestamp: building
// the same message twice yields the same id, which lets the downstream queue
// dedup replays while keeping ids human-traceable by time.
type ActionId struct {
	Type        tradewire.ActionType
	SourceMsgID string
	CreatedAt   time.Time
	contentHash [sha1.Size]byte
}

// New derives the id for the given action content. The timestamp is
// truncated to the minute before it participates in the id.
func New(t tradewire.ActionType, sourceMsgID string, legs []tradewire.Leg, at time.Time) ActionId {
	return ActionId{
		Type:        t,
		SourceMsgID: sourceMsgID,
		CreatedAt:   at.UTC().Truncate(time.Minute),
		contentHash: contentHash(t, sourceMsgID, legs),
	}
}

// contentHash folds the leg tuple contents into a stable digest. Legs are
// hashed in their given order; the order is part of the action's identity.
func contentHash(t tradewire.ActionType, sourceMsgID string, legs []tradewire.Leg) [sha1.Size]byte {
	var b strings.Builder
	b.WriteString(t.String())
	b.WriteByte('|')
	b.WriteString(sourceMsgID)
	for _, l := range legs {
		fmt.Fprintf(&b, "|%s,%s,%s,%s,%s,%s",
			l.Symbol, l.Side, l.LegID, fmtPrice(l.TP), fmtPrice(l.SL), fmtPrice(l.Entry))
	}
	return sha1.Sum([]byte(b.String()))
}

func fmtPrice(p *float64) string {
	if p == nil {
		return "nil"
	}
	return fmt.Sprintf("%.5f", *p)
}

// String renders the id in its canonical form, e.g.
// OPEN-20250102-150400-67ace114f1.
func (id ActionId) String() string {
	return fmt.Sprintf("%s-%s-%s",
		id.Type.String(),
		id.CreatedAt.Format("20060102-150405"),
		hex.EncodeToString(id.contentHash[:5]))
}

func (id ActionId) Hex() string {
	return "0x" + hex.EncodeToString(id.AsHex())
}

// AsHex returns a 16 byte representation of the action identifier.
// All components are BigEndian encoded as:
// 2 bytes for the days since epoch uint16
// 4 bytes for a CRC32 of the source message id
// 8 bytes for the leading bytes of the content digest
// 2 bytes for a CRC16 of the preceding bytes
func (id ActionId) AsHex() []byte {
	out := make([]byte, 0, 16)

	d := id.CreatedAt.UTC().Unix() / 86400
	out = binary.BigEndian.AppendUint16(out, uint16(d))

	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE([]byte(id.SourceMsgID)))
	out = append(out, id.contentHash[:8]...)

	out = binary.BigEndian.AppendUint16(out, crc16.Checksum(out, crc16.IBMTable))

	return out
}

var ErrHexTooShort error = fmt.Errorf("hex data too short")
var ErrIncorrectChecksum error = fmt.Errorf("checksum does not match")

// Fingerprint is the decoded form of a 16 byte action identifier. The
// original string fields cannot be recovered, only their digests; it exists
// so stores and queues can key on a fixed-width value.
type Fingerprint struct {
	Day           time.Time
	SourceCRC     uint32
	ContentPrefix [8]byte
}

// FromHex decodes and checksums a 16 byte identifier. The day is loaded
// with UTC.
func FromHex(v []byte) (*Fingerprint, error) {
	if len(v) != 16 {
		return nil, ErrHexTooShort
	}

	if crc16.Checksum(v[0:14], crc16.IBMTable) != binary.BigEndian.Uint16(v[14:16]) {
		return nil, ErrIncorrectChecksum
	}

	fp := &Fingerprint{}
	days := binary.BigEndian.Uint16(v[0:2])
	fp.Day = time.Unix(int64(days)*86400, 0).UTC()
	fp.SourceCRC = binary.BigEndian.Uint32(v[2:6])
	copy(fp.ContentPrefix[:], v[6:14])

	return fp, nil
}

// FromHexString strips off a prepending 0x if present.
func FromHexString(s string) (*Fingerprint, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("could not decode: %s", err)
	}
	return FromHex(b)
}

var clientIDClean = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// ClientID derives the stable per-message client id used to tag legs at the
// venue: non-alphanumeric runs collapse to underscores.
func ClientID(symbol, sourceMsgID string) string {
	base := strings.TrimSpace(symbol + "_" + sourceMsgID)
	return clientIDClean.ReplaceAllString(base, "_")
}

// LegID builds the per-leg id, 1-based.
func LegID(clientID string, ordinal int) string {
	return fmt.Sprintf("%s#%d", clientID, ordinal)
}

// SortLegsByTag orders legs by their tag, the tie-break used when coalescing
// duplicates.
func SortLegsByTag(legs []tradewire.Leg) {
	sort.SliceStable(legs, func(i, j int) bool { return legs[i].Tag < legs[j].Tag })
}

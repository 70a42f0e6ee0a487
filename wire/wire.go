// Package wire implements the transport-boundary frame format: a
// deterministic, length-prefixed binary encoding of WireMsg, the one place
// this module hand-rolls an encoder on stdlib encoding/binary instead of
// using the teacher's generated protobuf (see DESIGN.md: the protoc
// toolchain cannot be invoked in this environment).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/xorname"
)

// AuthKind discriminates who is asserted to have produced a WireMsg.
type AuthKind uint8

const (
	AuthNode AuthKind = iota
	AuthNodeBlsShare
	AuthSection
	AuthService
)

// PayloadKind discriminates the SystemMsg variant carried in a WireMsg,
// extensible as new message types are added without changing the frame
// format itself.
type PayloadKind uint8

const (
	PayloadJoinRequest PayloadKind = iota
	PayloadJoinResponse
	PayloadProposal
	PayloadSignedVote
	PayloadAERetry
	PayloadAERedirect
	PayloadAEProbe
	PayloadNodeState
	PayloadSectionAuth
	PayloadDataReplication
	// PayloadDkgStart announces a freshly chosen candidate Elder set and
	// session id, letting every candidate start its local epoch state
	// machine without a coordinating leader (spec.md §6).
	PayloadDkgStart
	// PayloadDkgMessage carries one candidate's ephemeral-phase key
	// submission (dkg.EphemeralSubmission) during a session's setup.
	PayloadDkgMessage
	// PayloadDkgNotReady is a participant's reply that it has not yet
	// reached the vote phase for a session a peer addressed it for.
	PayloadDkgNotReady
	// PayloadDkgRetry asks a session's participants to resend their
	// latest vote-phase bundle, for a straggler catching up mid-session.
	PayloadDkgRetry
	// PayloadDkgFailureObservation carries one participant's report that
	// another failed to contribute to a session within its phase timeout.
	PayloadDkgFailureObservation
	// PayloadDkgFailureAgreement carries a section-signed
	// dkg.DkgFailureAgreement once failure observations reach quorum.
	PayloadDkgFailureAgreement
	// PayloadDkgSessionUnknown replies to a vote or submission for a
	// session the receiver has never heard of.
	PayloadDkgSessionUnknown
	// PayloadDkgSessionInfo answers a PayloadDkgSessionUnknown with the
	// session's candidate set, for a peer that joined mid-session.
	PayloadDkgSessionInfo
)

// Dst names a message's destination: a node name and the section key the
// sender believed was current.
type Dst struct {
	Name      xorname.Name
	SectionPK key.SectionKey
}

// WireMsg is the framed unit exchanged over the transport boundary.
type WireMsg struct {
	MsgID       uuid.UUID
	Src         xorname.Name
	Dst         Dst
	AuthKind    AuthKind
	PayloadKind PayloadKind
	Payload     []byte
}

// NewWireMsg builds a WireMsg with a fresh random msg_id.
func NewWireMsg(src xorname.Name, dst Dst, auth AuthKind, payloadKind PayloadKind, payload []byte) WireMsg {
	return WireMsg{
		MsgID:       uuid.New(),
		Src:         src,
		Dst:         dst,
		AuthKind:    auth,
		PayloadKind: payloadKind,
		Payload:     payload,
	}
}

// Encode serialises m into a deterministic binary frame: a fixed header
// (msg_id, src, dst name, dst section key length + bytes, auth_kind,
// payload_kind) followed by a length-prefixed payload.
func (m WireMsg) Encode() ([]byte, error) {
	var buf bytes.Buffer
	idBytes, err := m.MsgID.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("wire: marshal msg_id: %w", err)
	}
	buf.Write(idBytes)
	buf.Write(m.Src[:])
	buf.Write(m.Dst.Name[:])

	pkBytes, err := m.Dst.SectionPK.Bytes()
	if err != nil {
		return nil, fmt.Errorf("wire: marshal dst section key: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(pkBytes))); err != nil {
		return nil, err
	}
	buf.Write(pkBytes)

	buf.WriteByte(byte(m.AuthKind))
	buf.WriteByte(byte(m.PayloadKind))

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(m.Payload))); err != nil {
		return nil, err
	}
	buf.Write(m.Payload)
	return buf.Bytes(), nil
}

// ShareEnvelope wraps a BLS signature share over Body, carried as the
// Payload of a WireMsg whose AuthKind is AuthNodeBlsShare: a node asserting
// "here is my share of the section signature over this body", destined for
// the aggregator rather than direct consumption.
type ShareEnvelope struct {
	Index int
	Share []byte
	Body  []byte
}

// Encode serialises a ShareEnvelope: a 4-byte index, a length-prefixed
// share, then the remaining bytes as the body.
func (e ShareEnvelope) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(e.Index))
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(e.Share)))
	buf.Write(e.Share)
	buf.Write(e.Body)
	return buf.Bytes()
}

// DecodeShareEnvelope parses a ShareEnvelope produced by Encode.
func DecodeShareEnvelope(b []byte) (ShareEnvelope, error) {
	if len(b) < 6 {
		return ShareEnvelope{}, ErrShortFrame
	}
	index := int(binary.BigEndian.Uint32(b[:4]))
	shareLen := int(binary.BigEndian.Uint16(b[4:6]))
	off := 6
	if len(b) < off+shareLen {
		return ShareEnvelope{}, ErrShortFrame
	}
	share := append([]byte{}, b[off:off+shareLen]...)
	off += shareLen
	body := append([]byte{}, b[off:]...)
	return ShareEnvelope{Index: index, Share: share, Body: body}, nil
}

// ErrShortFrame is returned when Decode is given fewer bytes than the
// frame header requires.
var ErrShortFrame = fmt.Errorf("wire: frame too short")

// Decode parses a frame produced by Encode. The destination section key is
// returned as raw bytes; the caller reconstructs a kyber.Point from it
// using the node's crypto.Scheme.
func Decode(b []byte) (WireMsg, []byte, error) {
	const headerMin = 16 + xorname.Len + xorname.Len + 2
	if len(b) < headerMin {
		return WireMsg{}, nil, ErrShortFrame
	}
	var m WireMsg
	if err := m.MsgID.UnmarshalBinary(b[:16]); err != nil {
		return WireMsg{}, nil, fmt.Errorf("wire: unmarshal msg_id: %w", err)
	}
	off := 16
	copy(m.Src[:], b[off:off+xorname.Len])
	off += xorname.Len
	copy(m.Dst.Name[:], b[off:off+xorname.Len])
	off += xorname.Len

	pkLen := binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	if len(b) < off+int(pkLen)+2 {
		return WireMsg{}, nil, ErrShortFrame
	}
	dstSectionPKBytes := append([]byte{}, b[off:off+int(pkLen)]...)
	off += int(pkLen)

	if len(b) < off+2 {
		return WireMsg{}, nil, ErrShortFrame
	}
	m.AuthKind = AuthKind(b[off])
	m.PayloadKind = PayloadKind(b[off+1])
	off += 2

	if len(b) < off+4 {
		return WireMsg{}, nil, ErrShortFrame
	}
	payloadLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint32(len(b)-off) < payloadLen {
		return WireMsg{}, nil, ErrShortFrame
	}
	m.Payload = append([]byte{}, b[off:off+int(payloadLen)]...)

	return m, dstSectionPKBytes, nil
}

// Package protocol defines the graffiti wire messages. Each message is one
// frame whose payload is a TLV field list; the frame's message type selects
// the schema.
package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/circle-free/graffiti/internal/protocol/frame"
	"github.com/circle-free/graffiti/internal/protocol/tlv"
)

const (
	GossipTopic      = "graffiti/gossip/1.0.0"
	DirectProtocolID = "/graffiti/direct/1.0.0"
)

const (
	MsgPath        uint32 = 1
	MsgUpdatePeer  uint32 = 2
	MsgWall        uint32 = 3
	MsgSyncRequest uint32 = 4
	MsgStats       uint32 = 5
)

const (
	FieldWallID      uint16 = 1
	FieldPathID      uint16 = 2
	FieldPayload     uint16 = 3
	FieldPredecessor uint16 = 4

	FieldDisplayName uint16 = 100

	FieldWallName  uint16 = 200
	FieldCreator   uint16 = 201
	FieldContentID uint16 = 202

	FieldKnownID uint16 = 300

	FieldConnectedPeer uint16 = 400
	FieldNodeType      uint16 = 401
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() uint32
	fields() []tlv.Field
}

// Path announces one path record of a wall.
type Path struct {
	WallID       string
	PathID       string
	Payload      []byte
	Predecessors []string
}

type UpdatePeer struct {
	DisplayName string
}

// Wall announces a wall. ContentID is empty until a snapshot exists.
type Wall struct {
	WallID    string
	Name      string
	Creator   string
	ContentID string
}

// SyncRequest opens an anti-entropy exchange for one wall.
type SyncRequest struct {
	WallID   string
	KnownIDs []string
}

type Stats struct {
	ConnectedPeers []string
	NodeType       string
}

// TypeName labels a message type in logs and metrics.
func TypeName(mt uint32) string {
	switch mt {
	case MsgPath:
		return "path"
	case MsgUpdatePeer:
		return "update_peer"
	case MsgWall:
		return "wall"
	case MsgSyncRequest:
		return "sync_request"
	case MsgStats:
		return "stats"
	}
	return "unknown"
}

func (Path) MessageType() uint32        { return MsgPath }
func (UpdatePeer) MessageType() uint32  { return MsgUpdatePeer }
func (Wall) MessageType() uint32        { return MsgWall }
func (SyncRequest) MessageType() uint32 { return MsgSyncRequest }
func (Stats) MessageType() uint32       { return MsgStats }

func (m Path) fields() []tlv.Field {
	fs := []tlv.Field{
		tlv.String(FieldWallID, m.WallID),
		tlv.String(FieldPathID, m.PathID),
		tlv.Bytes(FieldPayload, m.Payload),
	}
	return append(fs, tlv.Strings(FieldPredecessor, m.Predecessors)...)
}

func (m UpdatePeer) fields() []tlv.Field {
	return []tlv.Field{tlv.Bytes(FieldDisplayName, []byte(m.DisplayName))}
}

func (m Wall) fields() []tlv.Field {
	fs := []tlv.Field{
		tlv.String(FieldWallID, m.WallID),
		tlv.String(FieldWallName, m.Name),
		tlv.String(FieldCreator, m.Creator),
	}
	if m.ContentID != "" {
		fs = append(fs, tlv.String(FieldContentID, m.ContentID))
	}
	return fs
}

func (m SyncRequest) fields() []tlv.Field {
	return append([]tlv.Field{tlv.String(FieldWallID, m.WallID)}, tlv.Strings(FieldKnownID, m.KnownIDs)...)
}

func (m Stats) fields() []tlv.Field {
	fs := tlv.Strings(FieldConnectedPeer, m.ConnectedPeers)
	if m.NodeType != "" {
		fs = append(fs, tlv.String(FieldNodeType, m.NodeType))
	}
	return fs
}

var messageSeq atomic.Uint64

// Marshal encodes m as one complete frame.
func Marshal(m Message) ([]byte, error) {
	return frame.Encode(toFrame(m), frame.DefaultLimits())
}

// WriteMessage writes m as one frame to w.
func WriteMessage(w io.Writer, m Message) error {
	return frame.WriteFrame(w, toFrame(m), frame.DefaultLimits())
}

func toFrame(m Message) frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageSeq.Add(1),
			MessageType: m.MessageType(),
		},
		Payload: tlv.EncodeFields(m.fields()),
	}
}

// Unmarshal decodes one frame held entirely in data.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < int(frame.FixedHeaderLen) {
		return nil, frame.ErrShortHeader
	}
	f, err := frame.ReadFrame(bytes.NewReader(data), frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return Decode(f)
}

// ReadMessage reads and decodes the next frame from r. io.EOF is returned
// unchanged when r ends cleanly between frames.
func ReadMessage(r io.Reader) (Message, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return Decode(f)
}

// Decode validates a frame's payload against its schema and builds the
// typed message. Unknown fields are ignored.
func Decode(f frame.Frame) (Message, error) {
	mt := f.Header.MessageType
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: message_type=%d: %w", mt, err)
	}
	if err := Validate(mt, fields); err != nil {
		return nil, err
	}

	str := func(id uint16) string {
		fl, _ := tlv.GetField(fields, id)
		return string(fl.Value)
	}
	strs := func(id uint16) []string {
		all := tlv.GetAll(fields, id)
		if len(all) == 0 {
			return nil
		}
		out := make([]string, len(all))
		for i, fl := range all {
			out[i] = string(fl.Value)
		}
		return out
	}

	switch mt {
	case MsgPath:
		payload, _ := tlv.GetField(fields, FieldPayload)
		return Path{
			WallID:       str(FieldWallID),
			PathID:       str(FieldPathID),
			Payload:      payload.Value,
			Predecessors: strs(FieldPredecessor),
		}, nil
	case MsgUpdatePeer:
		return UpdatePeer{DisplayName: str(FieldDisplayName)}, nil
	case MsgWall:
		return Wall{
			WallID:    str(FieldWallID),
			Name:      str(FieldWallName),
			Creator:   str(FieldCreator),
			ContentID: str(FieldContentID),
		}, nil
	case MsgSyncRequest:
		return SyncRequest{WallID: str(FieldWallID), KnownIDs: strs(FieldKnownID)}, nil
	case MsgStats:
		return Stats{ConnectedPeers: strs(FieldConnectedPeer), NodeType: str(FieldNodeType)}, nil
	default:
		return nil, ValidationError{MessageType: mt, Reason: "unknown message_type"}
	}
}

package protocol

import (
	"fmt"

	"github.com/circle-free/graffiti/internal/protocol/tlv"
)

type Requirement struct {
	ID       uint16
	Type     uint8
	Optional bool
	Repeated bool
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("protocol: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("protocol: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgPath: {
		{ID: FieldWallID, Type: tlv.TypeString},
		{ID: FieldPathID, Type: tlv.TypeString},
		{ID: FieldPayload, Type: tlv.TypeBytes},
		{ID: FieldPredecessor, Type: tlv.TypeString, Optional: true, Repeated: true},
	},
	MsgUpdatePeer: {
		{ID: FieldDisplayName, Type: tlv.TypeBytes},
	},
	MsgWall: {
		{ID: FieldWallID, Type: tlv.TypeString},
		{ID: FieldWallName, Type: tlv.TypeString},
		{ID: FieldCreator, Type: tlv.TypeString},
		{ID: FieldContentID, Type: tlv.TypeString, Optional: true},
	},
	MsgSyncRequest: {
		{ID: FieldWallID, Type: tlv.TypeString},
		{ID: FieldKnownID, Type: tlv.TypeString, Optional: true, Repeated: true},
	},
	MsgStats: {
		{ID: FieldConnectedPeer, Type: tlv.TypeString, Optional: true, Repeated: true},
		{ID: FieldNodeType, Type: tlv.TypeString, Optional: true},
	},
}

// Validate enforces presence, type and multiplicity of the fields a message
// type defines. Fields the schema does not name are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		found := tlv.GetAll(fields, req.ID)
		if len(found) == 0 {
			if req.Optional {
				continue
			}
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if len(found) > 1 && !req.Repeated {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "field repeated"}
		}
		for _, f := range found {
			if f.Type != req.Type {
				return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
			}
		}
	}
	return nil
}

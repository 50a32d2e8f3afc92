package fanotify

import (
	"github.com/pkg/errors"

	"github.com/Gui774ume/onaccess/pkg/utils"
)

const (
	// MetadataVersion is FANOTIFY_METADATA_VERSION
	MetadataVersion = 3
	// MetadataSize is sizeof(struct fanotify_event_metadata)
	MetadataSize = 24
	// NoFd is FAN_NOFD, set on queue overflow events
	NoFd = -1
)

// EventMetadata is one struct fanotify_event_metadata record
type EventMetadata struct {
	EventLen    uint32
	Version     uint8
	MetadataLen uint16
	Mask        uint64
	Fd          int32
	Pid         int32
}

// UnmarshalBinary decodes a single record
func (e *EventMetadata) UnmarshalBinary(data []byte) error {
	if len(data) < MetadataSize {
		return errors.Errorf("fanotify event too short: %d bytes", len(data))
	}
	e.EventLen = utils.ByteOrder.Uint32(data[0:4])
	e.Version = data[4]
	e.MetadataLen = utils.ByteOrder.Uint16(data[6:8])
	e.Mask = utils.ByteOrder.Uint64(data[8:16])
	e.Fd = int32(utils.ByteOrder.Uint32(data[16:20]))
	e.Pid = int32(utils.ByteOrder.Uint32(data[20:24]))
	return nil
}

// MarshalBinary encodes the record, used to replay events in tests
func (e EventMetadata) MarshalBinary() ([]byte, error) {
	data := make([]byte, MetadataSize)
	eventLen := e.EventLen
	if eventLen == 0 {
		eventLen = MetadataSize
	}
	metadataLen := e.MetadataLen
	if metadataLen == 0 {
		metadataLen = MetadataSize
	}
	version := e.Version
	if version == 0 {
		version = MetadataVersion
	}
	utils.ByteOrder.PutUint32(data[0:4], eventLen)
	data[4] = version
	utils.ByteOrder.PutUint16(data[6:8], metadataLen)
	utils.ByteOrder.PutUint64(data[8:16], e.Mask)
	utils.ByteOrder.PutUint32(data[16:20], uint32(e.Fd))
	utils.ByteOrder.PutUint32(data[20:24], uint32(e.Pid))
	return data, nil
}

// DecodeEvents splits a buffer returned by read(2) on the fanotify fd.
// Records decoded before a malformed one are returned along with the error so
// that their descriptors can still be closed.
func DecodeEvents(buf []byte) ([]EventMetadata, error) {
	var events []EventMetadata
	for offset := 0; offset < len(buf); {
		var evt EventMetadata
		if err := evt.UnmarshalBinary(buf[offset:]); err != nil {
			return events, err
		}
		if evt.EventLen < MetadataSize || offset+int(evt.EventLen) > len(buf) {
			return events, errors.Errorf("invalid fanotify event length %d at offset %d", evt.EventLen, offset)
		}
		events = append(events, evt)
		offset += int(evt.EventLen)
	}
	return events, nil
}

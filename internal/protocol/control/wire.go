package control

import (
	"fmt"
	"io"

	"github.com/moorctl/moor/internal/protocol/frame"
)

// WriteRaw sends one channel-0 envelope directly on the trunk. The hello
// and resume exchanges run this way, before either end attaches a
// multiplexer to the trunk.
func WriteRaw(w io.Writer, payload []byte, limits frame.Limits) error {
	return frame.Write(w, frame.New(frame.ControlChannelID, frame.TypeData, payload), limits)
}

// ReadRaw reads the next frame from the trunk and requires it to be a
// channel-0 envelope.
func ReadRaw(r io.Reader, limits frame.Limits) (Envelope, error) {
	f, err := frame.Read(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	if f.Header.ChannelID != frame.ControlChannelID || f.Header.Type != frame.TypeData {
		return Envelope{}, fmt.Errorf("%w: expected control frame, got %s on channel %d",
			ErrInvalidEnvelope, frame.TypeName(f.Header.Type), f.Header.ChannelID)
	}
	return Decode(f.Payload)
}

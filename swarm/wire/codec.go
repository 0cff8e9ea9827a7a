// Package wire packs emergent messages into the fixed 79-byte radio
// frame. Every field has an explicit offset and width; nothing depends
// on in-memory struct layout. Multi-byte integers and the utility
// float are little-endian, matching the byte order of the embedded
// radios this protocol originated on.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/projectjumbo/waggle/swarm/signal"
)

// ProtocolVersion tags every frame. Decoders reject anything else.
const ProtocolVersion = 0x02

// Packed sizes. WordSize covers one signal word; MessageSize is the
// whole frame including the trailing checksum byte.
const (
	WordSize    = 59
	MessageSize = 79
)

// Word layout offsets.
const (
	wordOffContext         = 0
	wordOffValence         = 1
	wordOffGeneration      = 2
	wordOffComponentCount  = 4
	wordOffComponents      = 5
	wordOffDurations       = 13
	wordOffIntensities     = 29
	wordOffUtility         = 37
	wordOffTimesUsed       = 41
	wordOffTimesUnderstood = 45
	wordOffLastUsed        = 49
	wordOffCreatedAt       = 53
	wordOffSignature       = 57
	wordOffComplexity      = 58
)

// Message layout offsets.
const (
	msgOffVersion      = 0
	msgOffSenderMAC    = 1
	msgOffTimestamp    = 7
	msgOffSequence     = 11
	msgOffWord         = 12
	msgOffContext      = 71
	msgOffEmotion      = 72
	msgOffConfidence   = 73
	msgOffExpectsReply = 74
	msgOffIsResponse   = 75
	msgOffRespondingTo = 76
	msgOffSignalAge    = 77
	msgOffChecksum     = 78
)

var (
	ErrLength    = errors.New("wire: bad frame length")
	ErrVersion   = errors.New("wire: unsupported protocol version")
	ErrChecksum  = errors.New("wire: checksum mismatch")
	ErrMalformed = errors.New("wire: malformed field")
)

// Message is the parsed form of one broadcast frame. Built fresh for
// every transmission and discarded after processing on receipt.
type Message struct {
	SenderMAC       [6]byte
	Timestamp       uint32 // sender's monotonic clock, ms
	Sequence        uint8
	Word            signal.Word
	Context         signal.Context
	Emotion         signal.Emotion
	Confidence      uint8 // round(utility * 255)
	ExpectsResponse bool
	IsResponse      bool
	RespondingTo    uint8 // sequence being answered, when IsResponse
	SignalAge       uint8 // seconds since the word's creation, saturated
}

// Checksum XORs every byte. Applied to the first MessageSize-1 bytes
// of a frame it yields the trailing byte; a frame XORing to zero over
// its full length is self-consistent.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}

// EncodeMessage packs m into a fresh frame, computing the checksum
// over all preceding bytes.
func EncodeMessage(m *Message) []byte {
	buf := make([]byte, MessageSize)

	buf[msgOffVersion] = ProtocolVersion
	copy(buf[msgOffSenderMAC:], m.SenderMAC[:])
	binary.LittleEndian.PutUint32(buf[msgOffTimestamp:], m.Timestamp)
	buf[msgOffSequence] = m.Sequence
	EncodeWord(&m.Word, buf[msgOffWord:msgOffWord+WordSize])
	buf[msgOffContext] = byte(m.Context)
	buf[msgOffEmotion] = byte(m.Emotion)
	buf[msgOffConfidence] = m.Confidence
	buf[msgOffExpectsReply] = flag(m.ExpectsResponse)
	buf[msgOffIsResponse] = flag(m.IsResponse)
	buf[msgOffRespondingTo] = m.RespondingTo
	buf[msgOffSignalAge] = m.SignalAge
	buf[msgOffChecksum] = Checksum(buf[:msgOffChecksum])

	return buf
}

// DecodeMessage verifies length, version and checksum, then parses the
// frame. Any corruption or out-of-range field yields a typed error and
// no message.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) != MessageSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrLength, len(b), MessageSize)
	}
	if b[msgOffVersion] != ProtocolVersion {
		return nil, fmt.Errorf("%w: %#02x", ErrVersion, b[msgOffVersion])
	}
	if Checksum(b[:msgOffChecksum]) != b[msgOffChecksum] {
		return nil, ErrChecksum
	}

	word, err := DecodeWord(b[msgOffWord : msgOffWord+WordSize])
	if err != nil {
		return nil, err
	}

	m := &Message{
		Timestamp:       binary.LittleEndian.Uint32(b[msgOffTimestamp:]),
		Sequence:        b[msgOffSequence],
		Word:            word,
		Context:         signal.Context(b[msgOffContext]),
		Emotion:         signal.Emotion(b[msgOffEmotion]),
		Confidence:      b[msgOffConfidence],
		ExpectsResponse: b[msgOffExpectsReply] != 0,
		IsResponse:      b[msgOffIsResponse] != 0,
		RespondingTo:    b[msgOffRespondingTo],
		SignalAge:       b[msgOffSignalAge],
	}
	copy(m.SenderMAC[:], b[msgOffSenderMAC:msgOffSenderMAC+6])

	if !m.Context.Valid() {
		return nil, fmt.Errorf("%w: context %#02x", ErrMalformed, byte(m.Context))
	}
	if !m.Emotion.Valid() {
		return nil, fmt.Errorf("%w: emotion %d", ErrMalformed, int8(m.Emotion))
	}
	return m, nil
}

// EncodeWord packs w into dst, which must hold WordSize bytes.
func EncodeWord(w *signal.Word, dst []byte) {
	_ = dst[WordSize-1]

	dst[wordOffContext] = byte(w.Context)
	dst[wordOffValence] = byte(w.Valence)
	binary.LittleEndian.PutUint16(dst[wordOffGeneration:], w.Generation)
	dst[wordOffComponentCount] = w.ComponentCount
	for i := 0; i < signal.MaxComponents; i++ {
		dst[wordOffComponents+i] = byte(w.Components[i])
		binary.LittleEndian.PutUint16(dst[wordOffDurations+2*i:], w.Durations[i])
		dst[wordOffIntensities+i] = w.Intensities[i]
	}
	binary.LittleEndian.PutUint32(dst[wordOffUtility:], math.Float32bits(w.Utility))
	binary.LittleEndian.PutUint32(dst[wordOffTimesUsed:], w.TimesUsed)
	binary.LittleEndian.PutUint32(dst[wordOffTimesUnderstood:], w.TimesUnderstood)
	binary.LittleEndian.PutUint32(dst[wordOffLastUsed:], w.LastUsed)
	binary.LittleEndian.PutUint32(dst[wordOffCreatedAt:], w.CreatedAt)
	dst[wordOffSignature] = w.Signature
	dst[wordOffComplexity] = w.ComplexityPreference
}

// DecodeWord parses a packed word, rejecting impossible component
// counts and unknown component types.
func DecodeWord(b []byte) (signal.Word, error) {
	var w signal.Word
	if len(b) != WordSize {
		return w, fmt.Errorf("%w: got %d bytes, want %d", ErrLength, len(b), WordSize)
	}

	w.Context = signal.Context(b[wordOffContext])
	w.Valence = signal.Emotion(b[wordOffValence])
	w.Generation = binary.LittleEndian.Uint16(b[wordOffGeneration:])
	w.ComponentCount = b[wordOffComponentCount]
	for i := 0; i < signal.MaxComponents; i++ {
		w.Components[i] = signal.Component(b[wordOffComponents+i])
		w.Durations[i] = binary.LittleEndian.Uint16(b[wordOffDurations+2*i:])
		w.Intensities[i] = b[wordOffIntensities+i]
	}
	w.Utility = math.Float32frombits(binary.LittleEndian.Uint32(b[wordOffUtility:]))
	w.TimesUsed = binary.LittleEndian.Uint32(b[wordOffTimesUsed:])
	w.TimesUnderstood = binary.LittleEndian.Uint32(b[wordOffTimesUnderstood:])
	w.LastUsed = binary.LittleEndian.Uint32(b[wordOffLastUsed:])
	w.CreatedAt = binary.LittleEndian.Uint32(b[wordOffCreatedAt:])
	w.Signature = b[wordOffSignature]
	w.ComplexityPreference = b[wordOffComplexity]

	if w.ComponentCount == 0 || w.ComponentCount > signal.MaxComponents {
		return signal.Word{}, fmt.Errorf("%w: component count %d", ErrMalformed, w.ComponentCount)
	}
	for i := uint8(0); i < w.ComponentCount; i++ {
		if !w.Components[i].Valid() {
			return signal.Word{}, fmt.Errorf("%w: component %#02x", ErrMalformed, byte(w.Components[i]))
		}
	}
	if !w.Context.Valid() {
		return signal.Word{}, fmt.Errorf("%w: word context %#02x", ErrMalformed, byte(w.Context))
	}
	if !w.Valence.Valid() {
		return signal.Word{}, fmt.Errorf("%w: word valence %d", ErrMalformed, int8(w.Valence))
	}
	if w.Utility < 0 || w.Utility > 1 || w.Utility != w.Utility {
		return signal.Word{}, fmt.Errorf("%w: utility out of range", ErrMalformed)
	}
	return w, nil
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}

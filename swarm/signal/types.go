package signal

import "fmt"

// Capacity bounds for the emergent protocol. These mirror the wire
// format and must not change without bumping the protocol version.
const (
	MaxComponents    = 8  // components per signal word
	MaxVocabulary    = 64 // words per bot
	MaxContextMemory = 32 // remembered peer receptions
	MaxPeers         = 8  // tracked peer profiles
	MaxPeerSignals   = 16 // learned words per peer
)

// Component is an acoustic primitive. Signal words are short sequences
// of these, played back to back with per-component duration and
// intensity.
type Component uint8

const (
	ComponentToneLow   Component = 0x01
	ComponentToneMid   Component = 0x02
	ComponentToneHigh  Component = 0x03
	ComponentPulseFast Component = 0x04
	ComponentPulseSlow Component = 0x05
	ComponentSweepUp   Component = 0x06
	ComponentSweepDown Component = 0x07
	ComponentSilence   Component = 0x08
)

// componentPalette holds every valid component, used for neutral-mood
// synthesis and component-swap mutations.
var componentPalette = [8]Component{
	ComponentToneLow, ComponentToneMid, ComponentToneHigh,
	ComponentPulseFast, ComponentPulseSlow,
	ComponentSweepUp, ComponentSweepDown, ComponentSilence,
}

func (c Component) Valid() bool {
	return c >= ComponentToneLow && c <= ComponentSilence
}

func (c Component) String() string {
	switch c {
	case ComponentToneLow:
		return "TONE_LOW"
	case ComponentToneMid:
		return "TONE_MID"
	case ComponentToneHigh:
		return "TONE_HIGH"
	case ComponentPulseFast:
		return "PULSE_FAST"
	case ComponentPulseSlow:
		return "PULSE_SLOW"
	case ComponentSweepUp:
		return "SWEEP_UP"
	case ComponentSweepDown:
		return "SWEEP_DOWN"
	case ComponentSilence:
		return "SILENCE"
	default:
		return fmt.Sprintf("COMPONENT_%#02x", uint8(c))
	}
}

// Context classifies the situation a bot is signalling about.
type Context uint8

const (
	ContextObstacleNear  Context = 0x01
	ContextOpenSpace     Context = 0x02
	ContextPeerDetected  Context = 0x03
	ContextTaskSuccess   Context = 0x04
	ContextTaskFailure   Context = 0x05
	ContextResourceFound Context = 0x06
	ContextDangerSensed  Context = 0x07
	ContextExploration   Context = 0x08
	ContextWaiting       Context = 0x09
	ContextFollowing     Context = 0x0A
	ContextLeading       Context = 0x0B
	ContextUnknown       Context = 0xFF
)

func (c Context) Valid() bool {
	return (c >= ContextObstacleNear && c <= ContextLeading) || c == ContextUnknown
}

// Urgent reports whether signals for this context demand a peer
// response.
func (c Context) Urgent() bool {
	return c == ContextDangerSensed || c == ContextTaskFailure
}

func (c Context) String() string {
	switch c {
	case ContextObstacleNear:
		return "OBSTACLE_NEAR"
	case ContextOpenSpace:
		return "OPEN_SPACE"
	case ContextPeerDetected:
		return "PEER_DETECTED"
	case ContextTaskSuccess:
		return "TASK_SUCCESS"
	case ContextTaskFailure:
		return "TASK_FAILURE"
	case ContextResourceFound:
		return "RESOURCE_FOUND"
	case ContextDangerSensed:
		return "DANGER_SENSED"
	case ContextExploration:
		return "EXPLORATION"
	case ContextWaiting:
		return "WAITING"
	case ContextFollowing:
		return "FOLLOWING"
	case ContextLeading:
		return "LEADING"
	default:
		return "UNKNOWN"
	}
}

// ParseContext maps a context name like "DANGER_SENSED" back to its
// value. It accepts every name String produces for a valid context,
// including "UNKNOWN".
func ParseContext(s string) (Context, error) {
	if s == ContextUnknown.String() {
		return ContextUnknown, nil
	}
	for c := ContextObstacleNear; c <= ContextLeading; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return ContextUnknown, fmt.Errorf("unknown context %q", s)
}

// Emotion is the sender's valence on a five-step scale centred on
// neutral.
type Emotion int8

const (
	EmotionVeryNegative Emotion = -2
	EmotionNegative     Emotion = -1
	EmotionNeutral      Emotion = 0
	EmotionPositive     Emotion = 1
	EmotionVeryPositive Emotion = 2
)

func (e Emotion) Valid() bool {
	return e >= EmotionVeryNegative && e <= EmotionVeryPositive
}

func (e Emotion) String() string {
	switch e {
	case EmotionVeryNegative:
		return "VERY_NEGATIVE"
	case EmotionNegative:
		return "NEGATIVE"
	case EmotionNeutral:
		return "NEUTRAL"
	case EmotionPositive:
		return "POSITIVE"
	case EmotionVeryPositive:
		return "VERY_POSITIVE"
	default:
		return "UNKNOWN"
	}
}

// Word is one unit of the emergent vocabulary: a component sequence
// bound to the context and mood it was minted for, plus the fitness
// counters that drive its evolution.
//
// Timestamps are monotonic milliseconds on the owning bot's clock.
type Word struct {
	Context              Context
	Valence              Emotion
	Generation           uint16
	ComponentCount       uint8
	Components           [MaxComponents]Component
	Durations            [MaxComponents]uint16 // per-component playback, ms
	Intensities          [MaxComponents]uint8
	Utility              float32 // outcome EMA in [0,1]
	TimesUsed            uint32
	TimesUnderstood      uint32
	LastUsed             uint32
	CreatedAt            uint32
	Signature            uint8 // personality signature of the minting bot
	ComplexityPreference uint8
}

// Describe renders the word compactly for logs and the telemetry
// bridge, e.g. "TONE_HIGH/150ms/210 SWEEP_UP/90ms/180".
func (w *Word) Describe() string {
	out := ""
	for i := uint8(0); i < w.ComponentCount && i < MaxComponents; i++ {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s/%dms/%d", w.Components[i], w.Durations[i], w.Intensities[i])
	}
	return out
}

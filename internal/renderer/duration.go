package renderer

// DurationOptions configures the deterministic duration default applied when
// a submission does not pin durationInFrames itself.
type DurationOptions struct {
	FramesPerMessage int
	TailFrames       int
	MinFrames        int
}

// DurationInFrames derives the output length from the chat script: a fixed
// budget per message plus a tail, floored at MinFrames. A positive numeric
// "durationInFrames" in the props wins outright. Props are otherwise opaque;
// this is the only key this layer ever inspects.
func DurationInFrames(props map[string]any, opts DurationOptions) int {
	if v, ok := asInt(props["durationInFrames"]); ok && v > 0 {
		return v
	}

	messages := 0
	if raw, ok := props["messages"].([]any); ok {
		messages = len(raw)
	}

	frames := messages*opts.FramesPerMessage + opts.TailFrames
	if frames < opts.MinFrames {
		frames = opts.MinFrames
	}
	return frames
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

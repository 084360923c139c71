package personality

// EmotionLabel names the Mehrabian temperament octant a PAD state falls
// in, keyed by the sign of each dimension. Zero counts as non-negative.
func EmotionLabel(p PAD) string {
	switch {
	case p.Pleasure >= 0 && p.Arousal >= 0 && p.Dominance >= 0:
		return "exuberant"
	case p.Pleasure >= 0 && p.Arousal >= 0:
		return "dependent"
	case p.Pleasure >= 0 && p.Dominance >= 0:
		return "relaxed"
	case p.Pleasure >= 0:
		return "docile"
	case p.Arousal >= 0 && p.Dominance >= 0:
		return "hostile"
	case p.Arousal >= 0:
		return "anxious"
	case p.Dominance >= 0:
		return "disdainful"
	default:
		return "bored"
	}
}

// baselineFromTraits derives the initial PAD baseline from Big Five
// traits via Mehrabian's temperament regression, with traits centered
// from [0,1] onto [-1,1] and stability taken as inverted neuroticism.
// Neutral traits (all 0.5) land exactly on (0, 0, 0).
func baselineFromTraits(t BigFive) PAD {
	o := 2*t.Openness - 1
	c := 2*t.Conscientiousness - 1
	e := 2*t.Extraversion - 1
	a := 2*t.Agreeableness - 1
	s := 1 - 2*t.Neuroticism

	return PAD{
		Pleasure:  clampDim(0.21*e + 0.59*a + 0.19*s),
		Arousal:   clampDim(0.15*o + 0.30*a - 0.57*s),
		Dominance: clampDim(0.25*o + 0.17*c + 0.60*e - 0.32*a),
	}
}

// clampPAD clamps each dimension independently to [-1,1].
func clampPAD(p PAD) PAD {
	return PAD{
		Pleasure:  clampDim(p.Pleasure),
		Arousal:   clampDim(p.Arousal),
		Dominance: clampDim(p.Dominance),
	}
}

func clampDim(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

package analysis

// Typed results for the JSON templates.

// PatternCandidate is one behavioral pattern extracted from recent agent
// output, fed to quirk evolution.
type PatternCandidate struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ConflictVerdict is the contradiction check between two semantic memories.
type ConflictVerdict struct {
	Conflict   bool    `json:"conflict"`
	Type       string  `json:"conflict_type"`
	Confidence float64 `json:"confidence"`
}

// Template data carriers.

type ImportanceData struct {
	Class   string
	Content string
}

type PatternData struct {
	Transcript string
}

type SummaryData struct {
	Count    int
	Episodes string
}

type ConflictData struct {
	A string
	B string
}

var Importance = mustTemplate("importance",
	"You are a memory importance rater. Respond only with a single number.",
	`Rate the long-term importance of remembering this {{.Class}} memory on a scale from 0 to 1.

Bands:
- 0.0-0.2 trivial: greetings, filler, small talk
- 0.2-0.4 low: routine chatter, transient context
- 0.4-0.6 medium: preferences, plans, recurring topics
- 0.6-0.8 high: personal facts, commitments, strong opinions
- 0.8-1.0 critical: identity, relationships, major life events

Text:
{{.Content}}

Respond with a single number between 0 and 1. No words, no explanation.`,
	8, 0.0)

var Patterns = mustTemplate("patterns",
	"You are a behavioral pattern analyzer. Respond only with a valid JSON array.",
	`Identify up to 5 recurring behavioral patterns in how the companion speaks below (phrasings, habits, tonal tics). Ignore the user's side.

Transcript:
{{.Transcript}}

Respond with JSON only (no markdown, no explanation):
[{"description": "uses cooking metaphors when explaining", "confidence": 0.8}]

Rules:
- description is a short present-tense habit, max 12 words
- confidence in [0,1]
- no duplicates`,
	512, 0.3)

var ClusterSummary = mustTemplate("cluster_summary",
	"You are a memory consolidation assistant. Follow instructions exactly.",
	`The following {{.Count}} conversation memories share a theme. Write ONE sentence stating the general fact or preference they establish about the user, in third person.

Memories:
{{.Episodes}}

Rules:
- one sentence, max 30 words
- keep concrete details (names, places, stated preferences)
- no meta commentary, no markdown`,
	128, 0.3)

var Conflict = mustTemplate("conflict",
	"You are an objective fact checker. Respond only with valid JSON.",
	`Do these two statements about the same person directly contradict each other?

A: {{.A}}
B: {{.B}}

Respond with JSON only (no markdown, no explanation):
{"conflict": false, "conflict_type": "preference|fact|temporal|none", "confidence": 0.9}`,
	128, 0.0)

package stage

import "time"

// Tier is a model-capability hint used when picking an oracle backend.
type Tier string

const (
	TierLite     Tier = "lite"     // cheap, low-latency; streaming cycles
	TierStandard Tier = "standard" // default batch analysis
	TierDeep     Tier = "deep"     // long-context synthesis
)

// Result statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Result is the schema-validated output of one reasoning stage. Immutable once
// produced; later stages consume it as read-only context.
type Result struct {
	Stage      string         `json:"stage"`
	ProducedAt time.Time      `json:"produced_at"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence string         `json:"confidence,omitempty"`
}

// Text returns a string payload field, or "" when absent or mistyped.
func (r Result) Text(key string) string {
	s, _ := r.Payload[key].(string)
	return s
}

// List returns a string-list payload field, tolerating []any from JSON decoding.
func (r Result) List(key string) []string {
	switch v := r.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Spec declares one reasoning stage: a fixed instruction, the JSON schema its
// output must satisfy (empty means raw text), the model tier, and whether the
// stage consumes media parts. Stages are plain table entries; there is no
// per-stage dispatch beyond this data.
type Spec struct {
	Name        string
	Instruction string
	Schema      string
	Tier        Tier
	Media       bool
}

// Streaming stage names.
const (
	FrameScan      = "frame_scan"
	SoundScan      = "sound_scan"
	MovementEvents = "movement_events"
)

// Batch stage names, in pipeline order.
const (
	TrailRecord     = "trail_record"
	Milestones      = "milestones"
	VisualPatterns  = "visual_patterns"
	AcousticProfile = "acoustic_profile"
	GroundTruth     = "ground_truth"
	Discoveries     = "discoveries"
	SensorySummary  = "sensory_summary"
	Achievements    = "achievements"
	Narrative       = "narrative"
	FinalReport     = "final_report"
)

var table = map[string]Spec{
	FrameScan: {
		Name: FrameScan,
		Instruction: "You are a trail observer watching a hiker's camera feed. Describe what the " +
			"frame shows: terrain underfoot, vegetation, visibility, and anything a hiker should " +
			"notice. Extract short detected_features entries (e.g. terrain, vegetation, weather) " +
			"and list any hazards in plain words.",
		Schema: frameScanSchema,
		Tier:   TierLite,
		Media:  true,
	},
	SoundScan: {
		Name: SoundScan,
		Instruction: "You are listening to a short audio clip recorded on a hiking trail. Summarize " +
			"the soundscape in one or two sentences and list every distinct sound you can identify " +
			"in detected_sounds, using short lowercase labels.",
		Schema: soundScanSchema,
		Tier:   TierLite,
		Media:  true,
	},
	MovementEvents: {
		Name: MovementEvents,
		Instruction: "You are given the most recent GPS track points of an ongoing hike. Identify " +
			"movement events worth flagging: sustained climbs, rapid descents, long stops, pace " +
			"collapses, or backtracking. Report only events supported by the points.",
		Schema: movementEventsSchema,
		Tier:   TierLite,
	},
	TrailRecord: {
		Name: TrailRecord,
		Instruction: "Synthesize the core record of this completed hike from the raw telemetry and " +
			"route data: total distance in km, elevation gain in m, duration in minutes, the " +
			"terrain types crossed, a one-line weather summary, and a short overall summary.",
		Schema: trailRecordSchema,
		Tier:   TierStandard,
	},
	Milestones: {
		Name: Milestones,
		Instruction: "Infer notable milestones reached during this hike (altitude thresholds, " +
			"scrambling sections, navigation decisions, exposure) from the synthesized record and " +
			"the raw route and sensor data. Cite the evidence for each milestone.",
		Schema: milestonesSchema,
		Tier:   TierStandard,
	},
	VisualPatterns: {
		Name: VisualPatterns,
		Instruction: "Analyze the captured imagery from this hike. Report recurring visual patterns, " +
			"terrain observations, and notable sightings (wildlife, plants, geology, views). " +
			"Finish with a short summary of what the hiker saw.",
		Schema: visualPatternsSchema,
		Tier:   TierStandard,
		Media:  true,
	},
	AcousticProfile: {
		Name: AcousticProfile,
		Instruction: "Analyze the captured audio from this hike. Summarize the overall soundscape, " +
			"list every distinct detected sound with short lowercase labels, and characterize the " +
			"ambience in a word or two.",
		Schema: acousticProfileSchema,
		Tier:   TierStandard,
		Media:  true,
	},
	GroundTruth: {
		Name: GroundTruth,
		Instruction: "Cross-reference the ground observations from the visual and acoustic analyses " +
			"against the regional context provided. For each observation judge whether it is " +
			"consistent with, divergent from, or unclear against that context, with a brief note.",
		Schema: groundTruthSchema,
		Tier:   TierStandard,
	},
	Discoveries: {
		Name: Discoveries,
		Instruction: "From everything established so far, propose discoveries the hiker may have " +
			"made: species, geological features, historical traces, unusual conditions. These are " +
			"probabilistic, so label each with low, medium, or high confidence and keep descriptions honest.",
		Schema: discoveriesSchema,
		Tier:   TierStandard,
	},
	SensorySummary: {
		Name: SensorySummary,
		Instruction: "Write a sensory and affective summary of this hike from the full accumulated " +
			"context: what it looked, sounded, and felt like, the overall mood, and up to five " +
			"highlight moments.",
		Schema: sensorySummarySchema,
		Tier:   TierStandard,
	},
	Achievements: {
		Name: Achievements,
		Instruction: "Given this hike and the hiker's historical aggregate, infer which achievement " +
			"codes were earned. Use only codes from this list: first_summit, distance_10k, " +
			"distance_25k, elevation_1000m, early_bird, night_owl, all_weather, wildlife_spotter, " +
			"water_finder, ridge_walker, consistency_7d, explorer_new_region. Return an empty list " +
			"if none apply.",
		Schema: achievementsSchema,
		Tier:   TierStandard,
	},
	Narrative: {
		Name: Narrative,
		Instruction: "Write a reflective first-person narrative of this hike, grounded strictly in " +
			"the accumulated context. Between three and six paragraphs, under 2000 characters. No " +
			"headings, no lists, no invented events.",
		Schema: narrativeSchema,
		Tier:   TierDeep,
	},
	FinalReport: {
		Name: FinalReport,
		Instruction: "Compile the final insight report: at most six ranked cards, each with a title, " +
			"the insight itself, a confidence label, and the evidence it rests on (referencing " +
			"earlier findings). Rank 1 is the most valuable insight. Fewer, stronger cards beat filler.",
		Schema: finalReportSchema,
		Tier:   TierDeep,
	},
}

// batchOrder fixes the 10-stage batch pipeline sequence.
var batchOrder = []string{
	TrailRecord,
	Milestones,
	VisualPatterns,
	AcousticProfile,
	GroundTruth,
	Discoveries,
	SensorySummary,
	Achievements,
	Narrative,
	FinalReport,
}

// Lookup returns the spec for a stage name.
func Lookup(name string) (Spec, bool) {
	s, ok := table[name]
	return s, ok
}

// BatchSequence returns the ordered batch pipeline stages.
func BatchSequence() []Spec {
	out := make([]Spec, len(batchOrder))
	for i, name := range batchOrder {
		out[i] = table[name]
	}
	return out
}

// Names returns all registered stage names.
func Names() []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	return names
}

package memory

// Utterance roles. Anything else is treated as a third-party speaker.
const (
	RoleUser     = "user"
	RoleAgent    = "agent"
	RoleInternal = "internal"
)

// Claim agent tags as emitted by the extraction model.
const (
	AgentSelf  = "self"
	AgentOther = "other"
)

// Utterance is one captured unit of dialogue or internal thought.
// Heat is the access counter driving reflection seeding.
type Utterance struct {
	ID        string
	Text      string
	Role      string
	Timestamp float64
	Heat      int
}

// Fact is a deduplicated bare proposition extracted from an utterance.
type Fact struct {
	ID   string
	Text string
}

// Modality is a deduplicated mental-action verb. Hydrated is the prefixed
// form used for embedding.
type Modality struct {
	ID       string
	Verb     string
	Hydrated string
}

// Claim is the atomic (agent, modality, fact) unit linked into the graph.
type Claim struct {
	ID          string
	Agent       string
	FactID      string
	ModalityID  string
	UtteranceID string
	Sentiment   []string
	Importance  int
	Confidence  int
}

// ClaimCandidate is one claim as returned by the extraction model.
type ClaimCandidate struct {
	Agent      string   `json:"agent"`
	Verb       string   `json:"verb"`
	Fact       string   `json:"fact"`
	Sentiment  []string `json:"sentiment"`
	Importance int      `json:"importance"`
	Confidence int      `json:"confidence"`
}

// claimBatch is the structured-output envelope for claim extraction.
type claimBatch struct {
	Claims []ClaimCandidate `json:"claims"`
}

// SearchHit is one memory-search result with its similarity score.
type SearchHit struct {
	Utterance  Utterance
	Similarity float64
}

// StoreStats is a compact snapshot used by status reporting.
type StoreStats struct {
	Utterances int
	Facts      int
	Modalities int
	Claims     int
	HotRecords int
}

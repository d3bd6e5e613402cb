package model

import "time"

// RunStatus represents the current stage of a discovery run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusDiscovering RunStatus = "discovering"
	RunStatusFiltering   RunStatus = "filtering"
	RunStatusReranking   RunStatus = "reranking"
	RunStatusExtracting  RunStatus = "extracting"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
)

// PipelineStage is a state in the coordinator's state machine.
type PipelineStage string

const (
	StageDiscovered      PipelineStage = "discovered"
	StagePreFiltered     PipelineStage = "pre_filtered"
	StageReranked        PipelineStage = "reranked"
	StageExtracted       PipelineStage = "extracted"
	StageSpeakerFiltered PipelineStage = "speaker_filtered"
	StageDone            PipelineStage = "done"
)

// Run is one persisted pipeline execution.
type Run struct {
	ID        string        `json:"id"`
	Request   SearchRequest `json:"request"`
	Status    RunStatus     `json:"status"`
	Result    *RunResult    `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	EventCount   int             `json:"event_count"`
	ProviderUsed ProviderName    `json:"provider_used"`
	Metrics      PipelineMetrics `json:"metrics"`
	CostUSD      float64         `json:"cost_usd"`
}

// PipelineMetrics accumulates per-stage counters for observability.
type PipelineMetrics struct {
	Discovered          int              `json:"discovered"`
	AggregatorDropped   int              `json:"aggregator_dropped"`
	BackstopKept        int              `json:"backstop_kept"`
	RerankApplied       bool             `json:"rerank_applied"`
	RerankSkippedReason string           `json:"rerank_skipped_reason,omitempty"`
	InvalidJSONDropped  int              `json:"invalid_json_dropped"`
	SchemaDropped       int              `json:"schema_dropped"`
	Repaired            int              `json:"repaired"`
	Reprompted          int              `json:"reprompted"`
	NonPersonsFiltered  int              `json:"non_persons_filtered"`
	StageDurationsMs    map[string]int64 `json:"stage_durations_ms,omitempty"`
	Stages              []PipelineStage  `json:"stages,omitempty"`
}

// TokenUsage tracks LLM token consumption across a run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

package graph

// ProposalMetrics summarizes a proposed subgraph.
type ProposalMetrics struct {
	StepCount int `json:"step_count"`
	EdgeCount int `json:"edge_count"`
}

// Proposal is a validated, not yet applied, subgraph patch.
type Proposal struct {
	Handle           string          `json:"handle"`
	Approved         bool            `json:"approved"`
	Issues           []string        `json:"issues"`
	CompiledSubgraph *StepGraph      `json:"compiled_subgraph"`
	Patch            Patch           `json:"patch"`
	Metrics          ProposalMetrics `json:"metrics"`
	Reason           string          `json:"reason,omitempty"`
}

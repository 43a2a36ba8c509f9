package gates

import "content-governance/internal/models"

// Policy carries the thresholds the standard gate sets are built from.
type Policy struct {
	MinTitleLength           int
	MaxTitleLength           int
	MaxPathLength            int
	MinBodyChars             int
	MinH2                    int
	EmbeddingDimensions      int
	AuthoritySourceThreshold float64
	MaxPageWeightKB          float64
	MinMediaWidth            int
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinTitleLength:           10,
		MaxTitleLength:           120,
		MaxPathLength:            200,
		MinBodyChars:             300,
		MinH2:                    2,
		EmbeddingDimensions:      1536,
		AuthoritySourceThreshold: 0.5,
		MaxPageWeightKB:          1500,
		MinMediaWidth:            600,
	}
}

// Collaborators are the pluggable checkers supplied by the platform. Nil
// members drop their gate from the sets.
type Collaborators struct {
	SchemaSync  SchemaSyncChecker
	Performance PerformanceEstimator
	Media       MediaInspector
}

// PreGeneration runs before every attempt: preflight must have passed, the
// page inputs must be well formed and the page must not be blocked.
func PreGeneration(p Policy) *Composer {
	return NewComposer(
		GovernanceGate{Stages: []models.GovernanceStage{models.StagePreGeneration}},
		StructureGate{MinTitleLength: p.MinTitleLength, MaxTitleLength: p.MaxTitleLength, MaxPathLength: p.MaxPathLength},
		EligibilityGate{},
	)
}

// PostGeneration runs on the generated draft.
func PostGeneration(p Policy, checker IntentChecker, c Collaborators) *Composer {
	return NewComposer(
		EmbeddingGate{Dimensions: p.EmbeddingDimensions},
		StructureGate{MinTitleLength: p.MinTitleLength, MaxTitleLength: p.MaxTitleLength, MaxPathLength: p.MaxPathLength, MinBodyChars: p.MinBodyChars},
		AuthoritySourcesGate{Threshold: p.AuthoritySourceThreshold},
		SimilarityGate{Checker: checker},
		FormatGate{MinH2: p.MinH2},
		performanceGate(p, c),
	)
}

// Publish authorizes the externally visible published status. The order is fixed:
// governance, schema sync, embedding, authority sources, structure, publish
// status, then the format, performance and media checks.
func Publish(p Policy, c Collaborators) *Composer {
	return NewComposer(
		GovernanceGate{Stages: []models.GovernanceStage{
			models.StagePreGeneration,
			models.StageDuringGeneration,
			models.StagePostGeneration,
		}},
		schemaSyncGate(c),
		EmbeddingGate{Dimensions: p.EmbeddingDimensions},
		AuthoritySourcesGate{Threshold: p.AuthoritySourceThreshold},
		StructureGate{MinTitleLength: p.MinTitleLength, MaxTitleLength: p.MaxTitleLength, MaxPathLength: p.MaxPathLength, MinBodyChars: p.MinBodyChars},
		PublishStatusGate{},
		FormatGate{MinH2: p.MinH2},
		performanceGate(p, c),
		mediaGate(p, c),
	)
}

func schemaSyncGate(c Collaborators) Gate {
	if c.SchemaSync == nil {
		return nil
	}
	return SchemaSyncGate{Checker: c.SchemaSync}
}

func performanceGate(p Policy, c Collaborators) Gate {
	if c.Performance == nil {
		return nil
	}
	return PerformanceGate{Estimator: c.Performance, MaxKB: p.MaxPageWeightKB}
}

func mediaGate(p Policy, c Collaborators) Gate {
	if c.Media == nil {
		return nil
	}
	return MediaGate{Inspector: c.Media, MinWidth: p.MinMediaWidth}
}

package errcodes

import "slices"

// Code identifies a catalog entry.
type Code string

const (
	StateIllegalTransition      Code = "STATE_001"
	StateJobNotFound            Code = "STATE_002"
	StateConcurrentModification Code = "STATE_003"
	StateLocked                 Code = "STATE_004"

	AIMaxRetryExceeded  Code = "AI_MAX_RETRY_EXCEEDED"
	AICostLimitExceeded Code = "AI_COST_LIMIT_EXCEEDED"

	ExactDuplicate      Code = "EXACT_DUPLICATE"
	NearDuplicateIntent Code = "NEAR_DUPLICATE_INTENT"
	SimilarIntent       Code = "SIMILAR_INTENT"
	GeoExceptionGranted Code = "GEO_EXCEPTION_GRANTED"
	ReservationConflict Code = "RESERVATION_CONFLICT"

	PathMissingSlash  Code = "PATH_001"
	PathInvalidFormat Code = "PATH_002"
	PathTooLong       Code = "PATH_003"
	TitleTooShort     Code = "TITLE_001"
	TitleTooLong      Code = "TITLE_002"
	KeywordInvalid    Code = "KEYWORD_001"
	SiteNotFound      Code = "SITE_001"
	SiloCountInvalid  Code = "SILO_001"
	SiloNotInSite     Code = "SILO_002"

	GateGovernance      Code = "GATE_GOVERNANCE"
	GateSchemaSync      Code = "GATE_SCHEMA_SYNC"
	GateEmbedding       Code = "GATE_EMBEDDING"
	GateAuthoritySource Code = "GATE_AUTHORITY_SOURCES"
	GateStructure       Code = "GATE_STRUCTURE"
	GatePublishStatus   Code = "GATE_PUBLISH_STATUS"
	GateFormat          Code = "GATE_FORMAT"
	GatePerformance     Code = "GATE_PERFORMANCE"
	GateMedia           Code = "GATE_MEDIA"

	SystemGenerationUnavailable Code = "SYSTEM_GENERATION_UNAVAILABLE"
	SystemEmbeddingUnavailable  Code = "SYSTEM_EMBEDDING_UNAVAILABLE"
	SystemStoreUnavailable      Code = "SYSTEM_STORE_UNAVAILABLE"
	SystemEmbeddingDimension    Code = "SYSTEM_EMBEDDING_DIMENSION"
)

type definition struct {
	message     string
	doctrine    string
	remediation []string
	severity    Severity
	kind        Kind
}

func (d definition) payload() ErrorCode {
	return ErrorCode{
		Message:           d.message,
		DoctrineReference: d.doctrine,
		RemediationSteps:  slices.Clone(d.remediation),
		Severity:          d.severity,
	}
}

type entry struct {
	code Code
	def  definition
}

// entries is the single source of truth; catalog and catalogOrder are derived from it at init.
var entries = []entry{
	{StateIllegalTransition, definition{
		message:     "illegal state transition",
		doctrine:    "lifecycle/job-state-machine#legal-edges",
		remediation: []string{"Read allowed_transitions from the current state", "Request one of the allowed target states"},
		severity:    SeverityBlock,
		kind:        KindState,
	}},
	{StateJobNotFound, definition{
		message:     "generation job not found",
		doctrine:    "lifecycle/job-state-machine#identity",
		remediation: []string{"Verify the job id", "Create the job from an accepted content intent first"},
		severity:    SeverityCritical,
		kind:        KindState,
	}},
	{StateConcurrentModification, definition{
		message:     "job was modified concurrently",
		doctrine:    "lifecycle/job-state-machine#optimistic-versioning",
		remediation: []string{"Reload the job", "Retry the transition against the current state"},
		severity:    SeverityBlock,
		kind:        KindState,
	}},
	{StateLocked, definition{
		message:     "job is in a locked state",
		doctrine:    "lifecycle/job-state-machine#locked-states",
		remediation: []string{"Wait for the job to leave PROMPT_LOCKED or PROCESSING", "Only the next legal transition is permitted while locked"},
		severity:    SeverityBlock,
		kind:        KindState,
	}},
	{AIMaxRetryExceeded, definition{
		message:     "maximum generation retries exceeded",
		doctrine:    "budget/retry#max-retries",
		remediation: []string{"Review failed gate diagnostics in the transition history", "Fix the content intent before creating a new job"},
		severity:    SeverityCritical,
		kind:        KindBudget,
	}},
	{AICostLimitExceeded, definition{
		message:     "generation cost ceiling reached",
		doctrine:    "budget/cost#max-cost-per-job",
		remediation: []string{"Review accrued cost per attempt", "Raise the per-job ceiling only with explicit approval"},
		severity:    SeverityCritical,
		kind:        KindBudget,
	}},
	{ExactDuplicate, definition{
		message:     "content is an exact duplicate of an existing page",
		doctrine:    "intent/cannibalization#exact-duplicate",
		remediation: []string{"Update the existing page instead of creating a new one"},
		severity:    SeverityBlock,
		kind:        KindIntent,
	}},
	{NearDuplicateIntent, definition{
		message:     "content targets the same intent as an existing page",
		doctrine:    "intent/cannibalization#near-duplicate",
		remediation: []string{"Differentiate the angle or audience", "Target a distinct location", "Merge into the existing page"},
		severity:    SeverityBlock,
		kind:        KindIntent,
	}},
	{SimilarIntent, definition{
		message:     "content is similar to an existing page",
		doctrine:    "intent/cannibalization#similar",
		remediation: []string{"Link the pages to each other", "Make sure the primary keyword differs"},
		severity:    SeverityInfo,
		kind:        KindIntent,
	}},
	{GeoExceptionGranted, definition{
		message:     "duplicate intent allowed for a different location",
		doctrine:    "intent/geo-exception",
		remediation: []string{"Keep location-specific details in the body", "Set explicit location metadata on both pages"},
		severity:    SeverityWarning,
		kind:        KindIntent,
	}},
	{ReservationConflict, definition{
		message:     "content intent is already reserved",
		doctrine:    "intent/reservations#uniqueness",
		remediation: []string{"Wait until the existing reservation expires", "Coordinate with the holder of the reservation"},
		severity:    SeverityBlock,
		kind:        KindIntent,
	}},
	{PathMissingSlash, definition{
		message:     "path must start with /",
		doctrine:    "structure/paths#absolute",
		remediation: []string{"Prefix the path with /"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{PathInvalidFormat, definition{
		message:     "path contains invalid characters",
		doctrine:    "structure/paths#slug-format",
		remediation: []string{"Use lowercase letters, digits, hyphens and single slashes"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{PathTooLong, definition{
		message:     "path exceeds the maximum length",
		doctrine:    "structure/paths#length",
		remediation: []string{"Shorten the slug"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{TitleTooShort, definition{
		message:     "title is too short",
		doctrine:    "structure/titles#length",
		remediation: []string{"Use a descriptive title of at least the minimum length"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{TitleTooLong, definition{
		message:     "title is too long",
		doctrine:    "structure/titles#length",
		remediation: []string{"Shorten the title"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{KeywordInvalid, definition{
		message:     "keyword format is invalid",
		doctrine:    "structure/keywords#format",
		remediation: []string{"Use 2-100 characters of letters, digits, spaces or hyphens"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{SiteNotFound, definition{
		message:     "site does not exist",
		doctrine:    "structure/sites#existence",
		remediation: []string{"Register the site before planning content"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{SiloCountInvalid, definition{
		message:     "site silo count is outside the allowed range",
		doctrine:    "structure/silos#count",
		remediation: []string{"Keep between 3 and 7 hub silos per site"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{SiloNotInSite, definition{
		message:     "silo does not belong to the site",
		doctrine:    "structure/silos#membership",
		remediation: []string{"Pick a silo owned by the same site"},
		severity:    SeverityBlock,
		kind:        KindStructural,
	}},
	{GateGovernance, definition{
		message:     "governance stages are incomplete",
		doctrine:    "gates/governance-stages",
		remediation: []string{"Run every earlier governance stage and make sure each passed"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GateSchemaSync, definition{
		message:     "structured data is out of sync with the content",
		doctrine:    "gates/schema-sync",
		remediation: []string{"Regenerate the JSON-LD block from the current title and body"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GateEmbedding, definition{
		message:     "content embedding is missing or malformed",
		doctrine:    "gates/embedding",
		remediation: []string{"Recompute the embedding for the current body"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GateAuthoritySource, definition{
		message:     "high-authority content requires cited sources",
		doctrine:    "gates/authority-sources",
		remediation: []string{"Add at least one source URL"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GateStructure, definition{
		message:     "content structure is incomplete",
		doctrine:    "gates/structure",
		remediation: []string{"Check title, body and path lengths"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GatePublishStatus, definition{
		message:     "page status does not allow publishing",
		doctrine:    "gates/publish-status",
		remediation: []string{"Only draft or approved pages can be published"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GateFormat, definition{
		message:     "content format is invalid",
		doctrine:    "gates/format",
		remediation: []string{"Use exactly one h1 and at least the minimum number of h2 sections"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GatePerformance, definition{
		message:     "estimated page weight is over budget",
		doctrine:    "gates/performance",
		remediation: []string{"Reduce inline scripts and image count"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{GateMedia, definition{
		message:     "media assets are missing or undersized",
		doctrine:    "gates/media",
		remediation: []string{"Replace images narrower than the minimum width", "Fix unreachable image URLs"},
		severity:    SeverityBlock,
		kind:        KindGate,
	}},
	{SystemGenerationUnavailable, definition{
		message:     "generation provider unavailable",
		doctrine:    "system/providers#generation",
		remediation: []string{"Retry within the job budget", "Check provider status and credentials"},
		severity:    SeverityCritical,
		kind:        KindSystem,
	}},
	{SystemEmbeddingUnavailable, definition{
		message:     "embedding provider unavailable",
		doctrine:    "system/providers#embedding",
		remediation: []string{"Retry within the job budget", "Check provider status and credentials"},
		severity:    SeverityCritical,
		kind:        KindSystem,
	}},
	{SystemStoreUnavailable, definition{
		message:     "persistent store unavailable",
		doctrine:    "system/store",
		remediation: []string{"Check database connectivity"},
		severity:    SeverityCritical,
		kind:        KindSystem,
	}},
	{SystemEmbeddingDimension, definition{
		message:     "embedding dimensions do not match",
		doctrine:    "system/providers#embedding-dimensions",
		remediation: []string{"Recompute embeddings with the configured model"},
		severity:    SeverityCritical,
		kind:        KindSystem,
	}},
}

var (
	catalog      map[Code]definition
	catalogOrder []Code
)

func init() {
	catalog = make(map[Code]definition, len(entries))
	catalogOrder = make([]Code, 0, len(entries))
	for _, e := range entries {
		if _, dup := catalog[e.code]; dup {
			panic("errcodes: duplicate code " + string(e.code))
		}
		catalog[e.code] = e.def
		catalogOrder = append(catalogOrder, e.code)
	}
}
